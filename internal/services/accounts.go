package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"venue-ticket/internal/status"

	"github.com/pocketbase/pocketbase/core"
)

// UserDirectory resolves transfer recipients against the PocketBase users
// collection. A recipient containing "@" is looked up by email, anything
// else by record id.
type UserDirectory struct {
	app core.App
}

func NewUserDirectory(app core.App) *UserDirectory {
	return &UserDirectory{app: app}
}

func (d *UserDirectory) ResolveUserID(_ context.Context, recipient string) (string, error) {
	if recipient == "" {
		return "", status.ErrRecipientNotFound
	}

	var (
		record *core.Record
		err    error
	)
	if strings.Contains(recipient, "@") {
		record, err = d.app.FindAuthRecordByEmail("users", strings.ToLower(recipient))
	} else {
		record, err = d.app.FindRecordById("users", recipient)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", status.ErrRecipientNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find user: %w", err)
	}
	return record.Id, nil
}
