package sqlstore

import "github.com/uptrace/bun"

type deliveryLockRow struct {
	bun.BaseModel `bun:"table:tandem_delivery_locks,alias:dl"`

	TaskID        string `bun:"task_id,pk"`
	Holder        string `bun:"holder,notnull"`
	AcquiredAtMs  int64  `bun:"acquired_at_ms,notnull"`
	ExpiresAtMs   int64  `bun:"expires_at_ms,notnull"`
	Attempts      int    `bun:"attempts,notnull"`
	LastError     string `bun:"last_error,notnull"`
	Delivered     bool   `bun:"delivered,notnull"`
	DeliveredAtMs int64  `bun:"delivered_at_ms,notnull"`
	Settled       bool   `bun:"settled,notnull"`
}

type jobRow struct {
	bun.BaseModel `bun:"table:tandem_jobs,alias:j"`

	TaskID      string `bun:"task_id,pk"`
	UserID      int64  `bun:"user_id,notnull"`
	ChatID      int64  `bun:"chat_id,notnull"`
	Status      string `bun:"status,notnull"`
	Cost        int64  `bun:"cost,notnull"`
	Prompt      string `bun:"prompt,notnull"`
	Detail      string `bun:"detail,notnull"`
	CreatedAtMs int64  `bun:"created_at_ms,notnull"`
	UpdatedAtMs int64  `bun:"updated_at_ms,notnull"`
}

type accountRow struct {
	bun.BaseModel `bun:"table:tandem_accounts,alias:a"`

	UserID      int64 `bun:"user_id,pk"`
	Balance     int64 `bun:"balance,notnull"`
	UpdatedAtMs int64 `bun:"updated_at_ms,notnull"`
}

type holdRow struct {
	bun.BaseModel `bun:"table:tandem_ledger_holds,alias:h"`

	TaskID      string `bun:"task_id,pk"`
	UserID      int64  `bun:"user_id,notnull"`
	Amount      int64  `bun:"amount,notnull"`
	State       string `bun:"state,notnull"`
	UpdatedAtMs int64  `bun:"updated_at_ms,notnull"`
}
