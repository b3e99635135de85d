package storage

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"key not found", jetstream.ErrKeyNotFound, ErrNotFound},
		{"key exists", jetstream.ErrKeyExists, ErrConflict},
		{"wrong last sequence", &jetstream.APIError{Code: http.StatusBadRequest, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}, ErrConflict},
		{"timeout", nats.ErrTimeout, ErrUnavailable},
		{"no responders", nats.ErrNoResponders, ErrUnavailable},
		{"deadline", context.DeadlineExceeded, ErrUnavailable},
		{"throttled", &jetstream.APIError{Code: http.StatusServiceUnavailable}, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate("op", tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestTranslate_PassThrough(t *testing.T) {
	cause := errors.New("bad subject")
	got := translate("op", cause)

	assert.ErrorIs(t, got, cause)
	assert.NotErrorIs(t, got, ErrConflict)
	assert.NotErrorIs(t, got, ErrUnavailable)
	assert.NotErrorIs(t, got, ErrNotFound)
}
