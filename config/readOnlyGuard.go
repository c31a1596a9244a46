package config

import (
	"errors"

	"bitbucket.org/mmdatafocus/crm_auditor/appctx"
	"gorm.io/gorm"
)

var ErrReadOnlyContext = errors.New("write refused: context is read-only")

// ReadOnlyGuardPlugin rejects creates, updates and deletes issued with a
// context marked read-only. Rule evaluation runs under such a context, so the
// persisted facts can only change through the webhook.
//
// NOTE: Raw and Exec statements are not covered.
type ReadOnlyGuardPlugin struct{}

func NewReadOnlyGuardPlugin() *ReadOnlyGuardPlugin { return &ReadOnlyGuardPlugin{} }

func (p *ReadOnlyGuardPlugin) Name() string { return "read_only_guard" }

func (p *ReadOnlyGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Create().Before("gorm:create").Register("read_only_guard:create", readOnlyGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("read_only_guard:update", readOnlyGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("read_only_guard:delete", readOnlyGuardCallback); err != nil {
		return err
	}
	return nil
}

func readOnlyGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil {
		return
	}
	if v, ok := appctx.GetBool(db.Statement.Context, appctx.ContextKeyReadOnly); ok && v {
		table := db.Statement.Table
		GetLogger().WithField("table", table).Error("write attempted from a read-only context")
		_ = db.AddError(ErrReadOnlyContext)
	}
}
