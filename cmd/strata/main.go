// Command strata runs workloads against the strata packet and transport
// layers.
package main

func main() {
	Execute()
}
