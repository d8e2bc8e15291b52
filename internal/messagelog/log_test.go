package messagelog

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/Tyrowin/chatfanout/internal/chat"
)

func TestStorageErrorKeepsCause(t *testing.T) {
	cause := &pgconn.PgError{Code: "08006", Message: "connection failure"}
	err := storageError(cause, "append")

	if !errors.Is(err, chat.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable in %v", err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "08006" {
		t.Fatalf("driver error not reachable from %v", err)
	}
	if errors.Is(err, ErrDuplicateKey) {
		t.Fatal("storage failure must not look like a duplicate")
	}
	if got, want := err.Error(), "append: storage unavailable: "+cause.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
