package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"OpenA2A-Relay/internal/a2a"
	xerrors "OpenA2A-Relay/internal/errors"
)

// MySQLStorage 使用 MySQL 持久化任务与会话上下文。历史、产物等
// 嵌套结构以 JSON 文本列存储；同一任务上的写操作通过行锁串行化。
type MySQLStorage struct {
	db *sql.DB
}

// NewMySQLStorage 创建一个新的 MySQLStorage。
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStorage{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStorage) initSchema() error {
	const taskSchema = `CREATE TABLE IF NOT EXISTS a2a_tasks (
        id VARCHAR(64) PRIMARY KEY,
        context_id VARCHAR(64) NOT NULL,
        state VARCHAR(40) NOT NULL,
        status_message TEXT,
        history MEDIUMTEXT NOT NULL,
        artifacts MEDIUMTEXT NOT NULL,
        cancel_requested TINYINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_a2a_task_context (context_id),
        INDEX idx_a2a_task_state (state)
)`
	const contextSchema = `CREATE TABLE IF NOT EXISTS a2a_contexts (
        id VARCHAR(64) PRIMARY KEY,
        history MEDIUMTEXT NOT NULL,
        updated_at BIGINT NOT NULL
)`

	if _, err := s.db.Exec(taskSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 a2a_tasks 表失败")
	}
	if _, err := s.db.Exec(contextSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 a2a_contexts 表失败")
	}
	return nil
}

// SubmitTask 实现 Storage 接口。
func (s *MySQLStorage) SubmitTask(ctx context.Context, contextID string, message a2a.Message) (*a2a.Task, error) {
	if contextID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "context_id 不能为空")
	}
	taskID := uuid.NewString()
	message.TaskID = taskID
	message.ContextID = contextID
	if message.MessageID == "" {
		message.MessageID = uuid.NewString()
	}
	record := &a2a.Task{
		ID:        taskID,
		ContextID: contextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateSubmitted,
			Timestamp: time.Now().UTC(),
		},
		History:   []a2a.Message{message},
		Artifacts: []a2a.Artifact{},
	}

	history, err := json.Marshal(record.History)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务历史失败")
	}
	now := time.Now().Unix()
	const stmt = `INSERT INTO a2a_tasks
        (id, context_id, state, status_message, history, artifacts, cancel_requested, created_at, updated_at)
        VALUES (?, ?, ?, NULL, ?, '[]', 0, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, taskID, contextID, record.Status.State, history, now, now); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil, ErrTaskConflict
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}

	const contextStmt = `INSERT INTO a2a_contexts (id, history, updated_at) VALUES (?, '[]', ?)
        ON DUPLICATE KEY UPDATE updated_at = updated_at`
	if _, err := s.db.ExecContext(ctx, contextStmt, contextID, now); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化会话上下文失败")
	}
	return record, nil
}

// LoadTask 实现 Storage 接口。
func (s *MySQLStorage) LoadTask(ctx context.Context, id string, historyLength int) (*a2a.Task, error) {
	const stmt = `SELECT id, context_id, state, status_message, history, artifacts, updated_at
        FROM a2a_tasks WHERE id = ?`
	record, err := scanTask(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		return nil, err
	}
	if historyLength > 0 && len(record.History) > historyLength {
		record.History = record.History[len(record.History)-historyLength:]
	}
	return record, nil
}

// UpdateTask 实现 Storage 接口。行锁保证同一任务的更新串行化。
func (s *MySQLStorage) UpdateTask(ctx context.Context, id string, state a2a.TaskState, statusMessage *a2a.Message, artifacts []a2a.Artifact, messages []a2a.Message) (*a2a.Task, error) {
	if !a2a.IsValidTaskState(state) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的任务状态")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	const selectStmt = `SELECT id, context_id, state, status_message, history, artifacts, updated_at
        FROM a2a_tasks WHERE id = ? FOR UPDATE`
	record, err := scanTask(tx.QueryRowContext(ctx, selectStmt, id))
	if err != nil {
		return nil, err
	}
	if record.Status.State.IsTerminal() && state != record.Status.State {
		return nil, ErrTaskConflict
	}

	record.Status = a2a.TaskStatus{State: state, Message: statusMessage, Timestamp: time.Now().UTC()}
	record.Artifacts = append(record.Artifacts, artifacts...)
	record.History = append(record.History, messages...)

	historyValue, err := json.Marshal(record.History)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务历史失败")
	}
	artifactsValue, err := json.Marshal(record.Artifacts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务产物失败")
	}
	var statusValue any
	if statusMessage != nil {
		encoded, err := json.Marshal(statusMessage)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码状态消息失败")
		}
		statusValue = string(encoded)
	}

	const updateStmt = `UPDATE a2a_tasks SET state = ?, status_message = ?, history = ?, artifacts = ?, updated_at = ?
        WHERE id = ?`
	if _, err := tx.ExecContext(ctx, updateStmt, state, statusValue, historyValue, artifactsValue, time.Now().Unix(), id); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return record, nil
}

// RequestCancel 实现 Storage 接口。
func (s *MySQLStorage) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE a2a_tasks SET cancel_requested = 1 WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入取消标记失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, err := s.LoadTask(ctx, id, 0); err != nil {
			return err
		}
	}
	return nil
}

// CancelRequested 实现 Storage 接口。
func (s *MySQLStorage) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM a2a_tasks WHERE id = ?`, id).Scan(&requested)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return false, ErrTaskNotFound
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询取消标记失败")
	}
	return requested, nil
}

// LoadContext 实现 Storage 接口。
func (s *MySQLStorage) LoadContext(ctx context.Context, id string) (*a2a.Context, error) {
	var (
		record  a2a.Context
		history []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, history, updated_at FROM a2a_contexts WHERE id = ?`, id).
		Scan(&record.ID, &history, &record.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrContextNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话上下文失败")
	}
	if err := json.Unmarshal(history, &record.History); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话历史失败")
	}
	return &record, nil
}

// UpdateContext 实现 Storage 接口。
func (s *MySQLStorage) UpdateContext(ctx context.Context, record *a2a.Context) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "context 不能为空")
	}
	history, err := json.Marshal(record.History)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话历史失败")
	}
	const stmt = `INSERT INTO a2a_contexts (id, history, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE history = VALUES(history), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, record.ID, history, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写回会话上下文失败")
	}
	return nil
}

// ListTasks 实现 Storage 接口，按创建时间返回。
func (s *MySQLStorage) ListTasks(ctx context.Context) ([]*a2a.Task, error) {
	const stmt = `SELECT id, context_id, state, status_message, history, artifacts, updated_at
        FROM a2a_tasks ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var results []*a2a.Task
	for rows.Next() {
		record, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return results, nil
}

// ListContexts 实现 Storage 接口。
func (s *MySQLStorage) ListContexts(ctx context.Context) ([]*a2a.Context, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, history, updated_at FROM a2a_contexts ORDER BY id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	defer rows.Close()

	var results []*a2a.Context
	for rows.Next() {
		var (
			record  a2a.Context
			history []byte
		)
		if err := rows.Scan(&record.ID, &history, &record.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话上下文失败")
		}
		if err := json.Unmarshal(history, &record.History); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话历史失败")
		}
		results = append(results, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话列表失败")
	}
	return results, nil
}

// ClearAll 实现 Storage 接口。
func (s *MySQLStorage) ClearAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM a2a_tasks`)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空任务表失败")
	}
	cleared, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM a2a_contexts`); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空会话表失败")
	}
	return int(cleared), nil
}

// Close 关闭数据库连接。
func (s *MySQLStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rowScanner 兼容 *sql.Row 与 *sql.Rows。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask 从一行记录还原任务，updated_at 直接落到状态时间戳上。
func scanTask(row rowScanner) (*a2a.Task, error) {
	var (
		record        a2a.Task
		statusMessage sql.NullString
		history       []byte
		artifacts     []byte
		updatedAt     int64
	)
	if err := row.Scan(
		&record.ID,
		&record.ContextID,
		&record.Status.State,
		&statusMessage,
		&history,
		&artifacts,
		&updatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务失败")
	}
	if statusMessage.Valid && statusMessage.String != "" {
		var msg a2a.Message
		if err := json.Unmarshal([]byte(statusMessage.String), &msg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析状态消息失败")
		}
		record.Status.Message = &msg
	}
	if err := json.Unmarshal(history, &record.History); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务历史失败")
	}
	if err := json.Unmarshal(artifacts, &record.Artifacts); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务产物失败")
	}
	record.Status.Timestamp = time.Unix(updatedAt, 0).UTC()
	return &record, nil
}

var _ Storage = (*MySQLStorage)(nil)
