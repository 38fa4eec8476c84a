package memory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/easeaico/memory-journal/internal/errs"
)

func TestStoreError_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"qdrant unavailable", fmt.Errorf("qdrant upsert: %w", status.Error(codes.Unavailable, "connection refused")), true},
		{"qdrant deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"qdrant exhausted", status.Error(codes.ResourceExhausted, "busy"), true},
		{"qdrant bad request", status.Error(codes.InvalidArgument, "wrong dim"), false},
		{"postgres connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"postgres serialization", &pgconn.PgError{Code: "40001"}, true},
		{"postgres syntax", &pgconn.PgError{Code: "42601"}, false},
		{"dial refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("payload is not valid"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storeError("op", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.transient, errs.IsTransient(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, storeError("op", nil))
}

func TestStoreError_AlreadyTransientIsNotWrappedTwice(t *testing.T) {
	t.Parallel()
	inner := errs.Unavailable("qdrant upsert", status.Error(codes.Unavailable, "down"))
	err := storeError("failed to upsert episode", inner)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, "failed to upsert episode: "+inner.Error(), err.Error())
}

// downCollection fails every call the way a stopped gRPC server does.
type downCollection struct{ Collection }

func (downCollection) Upsert(context.Context, ...Point) error {
	return fmt.Errorf("qdrant upsert: %w", status.Error(codes.Unavailable, "connection refused"))
}

func (downCollection) Scroll(context.Context, Filter, int) ([]Point, error) {
	return nil, fmt.Errorf("qdrant scroll: %w", status.Error(codes.Unavailable, "connection refused"))
}

func TestEpisodicStore_BackendOutageIsTransient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewEpisodicStore(downCollection{})

	err := store.Upsert(ctx, Episode{ID: "e1", Embedding: unit(0)})
	assert.ErrorIs(t, err, errs.ErrUnavailable)

	_, err = store.Count(ctx, EpisodeFilter{UserID: "u1"})
	assert.ErrorIs(t, err, errs.ErrUnavailable)
}
