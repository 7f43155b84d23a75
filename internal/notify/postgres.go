package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const PostgresChannel = "record_changes"

// PostgresListener receives the events that the record store triggers emit
// with pg_notify. Publish does nothing because the database already did.
type PostgresListener struct {
	databaseURL string
	log         zerolog.Logger

	mu     sync.Mutex
	cancel []context.CancelFunc
	closed bool
}

func NewPostgresListener(databaseURL string, log zerolog.Logger) *PostgresListener {
	return &PostgresListener{databaseURL: databaseURL, log: log}
}

func (l *PostgresListener) Publish(_ context.Context, _ Event) error {
	return nil
}

func (l *PostgresListener) Subscribe(ctx context.Context) (<-chan Event, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errors.New("listener closed")
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = append(l.cancel, cancel)
	l.mu.Unlock()

	connectCtx, connectCancel := context.WithTimeout(ctx, 6*time.Second)
	defer connectCancel()
	conn, err := pgx.Connect(connectCtx, l.databaseURL)
	if err != nil {
		cancel()
		return nil, err
	}
	if _, err := conn.Exec(connectCtx, "LISTEN "+PostgresChannel); err != nil {
		_ = conn.Close(context.Background())
		cancel()
		return nil, err
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer conn.Close(context.Background())

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					l.log.Error().Err(err).Msg("change listener connection lost, closing subscription")
				}
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
				l.log.Warn().Err(err).Msg("drop malformed change event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (l *PostgresListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	for _, cancel := range l.cancel {
		cancel()
	}
	l.cancel = nil
	return nil
}
