package tracing

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// A TraceWriter persists completed tasks.
type TraceWriter interface {
	Init() error
	Write(task Task)
	Flush()
}

// SQLiteTraceWriter is a writer that writes trace data to a SQLite database.
type SQLiteTraceWriter struct {
	*sql.DB
	statement *sql.Stmt

	lock             sync.Mutex
	dbName           string
	tasksToWriteToDB []Task
	batchSize        int
}

// NewSQLiteTraceWriter creates a new SQLiteTraceWriter. An empty path picks a
// unique file name in the working directory.
func NewSQLiteTraceWriter(path string) *SQLiteTraceWriter {
	w := &SQLiteTraceWriter{
		dbName:    path,
		batchSize: 100000,
	}

	atexit.Register(func() { w.Flush() })

	return w
}

// WithBatchSize sets how many tasks are buffered before a flush.
func (t *SQLiteTraceWriter) WithBatchSize(n int) *SQLiteTraceWriter {
	t.batchSize = n
	return t
}

// FileName returns the database file the writer records into.
func (t *SQLiteTraceWriter) FileName() string {
	return t.dbName + ".sqlite3"
}

// Init establishes a connection to the database.
func (t *SQLiteTraceWriter) Init() error {
	if t.dbName == "" {
		t.dbName = "strata_trace_" + xid.New().String()
	}

	if err := t.createDatabase(); err != nil {
		return err
	}

	if err := t.createTable(); err != nil {
		return err
	}

	stmt, err := t.Prepare(`INSERT INTO trace VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare trace insert: %w", err)
	}

	t.statement = stmt

	return nil
}

// Write buffers a task.
func (t *SQLiteTraceWriter) Write(task Task) {
	t.lock.Lock()
	t.tasksToWriteToDB = append(t.tasksToWriteToDB, task)
	full := len(t.tasksToWriteToDB) >= t.batchSize
	t.lock.Unlock()

	if full {
		t.Flush()
	}
}

// Flush writes all the buffered tasks to the database.
func (t *SQLiteTraceWriter) Flush() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if len(t.tasksToWriteToDB) == 0 || t.statement == nil {
		return
	}

	tx, err := t.Begin()
	if err != nil {
		panic(err)
	}

	stmt := tx.Stmt(t.statement)
	for _, task := range t.tasksToWriteToDB {
		_, err := stmt.Exec(
			task.ID,
			task.ParentID,
			task.Kind,
			task.What,
			task.Where,
			unixNano(task.StartTime),
			unixNano(task.EndTime),
		)
		if err != nil {
			_ = tx.Rollback()
			panic(fmt.Errorf("insert task %s: %w", task.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		panic(err)
	}

	t.tasksToWriteToDB = nil
}

func (t *SQLiteTraceWriter) createDatabase() error {
	filename := t.FileName()
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return fmt.Errorf("open %s: %w", filename, err)
	}

	t.DB = db

	return nil
}

func (t *SQLiteTraceWriter) createTable() error {
	stmts := []string{
		`create table trace
		(
			task_id    varchar(200) not null,
			parent_id  varchar(200),
			kind       varchar(100),
			what       varchar(100),
			location   varchar(100),
			start_time integer      not null,
			end_time   integer      default 0
		);`,
		`create index trace_task_id_index on trace (task_id);`,
		`create index trace_parent_id_index on trace (parent_id);`,
		`create index trace_kind_index on trace (kind);`,
		`create index trace_location_index on trace (location);`,
		`create index trace_start_time_index on trace (start_time);`,
	}

	for _, s := range stmts {
		if _, err := t.Exec(s); err != nil {
			return fmt.Errorf("create trace table: %w", err)
		}
	}

	return nil
}

// SQLiteTraceReader is a reader that reads trace data from a SQLite database.
type SQLiteTraceReader struct {
	*sql.DB

	filename string
}

// NewSQLiteTraceReader creates a new SQLiteTraceReader.
func NewSQLiteTraceReader(filename string) *SQLiteTraceReader {
	return &SQLiteTraceReader{filename: filename}
}

// Init establishes a connection to the database.
func (r *SQLiteTraceReader) Init() error {
	db, err := sql.Open("sqlite3", r.filename)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.filename, err)
	}

	r.DB = db

	return nil
}

// ListTasks returns the tasks of the given kind, or all tasks when kind is
// empty, ordered by start time.
func (r *SQLiteTraceReader) ListTasks(kind string) ([]Task, error) {
	query := `SELECT task_id, parent_id, kind, what, location, start_time,
		end_time FROM trace`
	args := []any{}

	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}

	query += ` ORDER BY start_time, task_id`

	rows, err := r.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t          Task
			start, end int64
		)

		err := rows.Scan(&t.ID, &t.ParentID, &t.Kind, &t.What, &t.Where,
			&start, &end)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}

		t.StartTime = fromUnixNano(start)
		t.EndTime = fromUnixNano(end)
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}
