package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/altermundi/sai-etl/internal/logging"
)

// PgNotifier is a distributed notifier backed by genuine Postgres
// LISTEN/NOTIFY. listenConn is one dedicated connection held for the
// worker's lifetime — LISTEN state is connection-local and pgxpool must
// never be allowed to hand that connection back out. notifyPool is a
// small, separate pool used only to issue NOTIFY: pgx.Conn/pgconn is not
// safe for concurrent use, and listenConn spends essentially all of its
// time blocked inside WaitForNotification, so a NOTIFY call sharing that
// connection would see it busy on every call.
type PgNotifier struct {
	listenConn *pgx.Conn
	notifyPool *pgxpool.Pool

	mu     sync.Mutex
	subs   map[Channel][]chan struct{}
	closed bool

	pumpDone chan struct{}
}

// NewPgNotifier dials a dedicated LISTEN connection plus a small pool for
// NOTIFY, issues LISTEN for every channel this ETL core cares about on
// the dedicated connection, and starts the notification pump. Callers
// must call Close when done to release both.
func NewPgNotifier(ctx context.Context, dsn string) (*PgNotifier, error) {
	listenConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("dial dedicated listen connection: %w", err)
	}

	notifyCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		listenConn.Close(ctx)
		return nil, fmt.Errorf("parse notify pool dsn: %w", err)
	}
	notifyCfg.MaxConns = 2
	notifyPool, err := pgxpool.NewWithConfig(ctx, notifyCfg)
	if err != nil {
		listenConn.Close(ctx)
		return nil, fmt.Errorf("create notify pool: %w", err)
	}

	n := &PgNotifier{
		listenConn: listenConn,
		notifyPool: notifyPool,
		subs:       make(map[Channel][]chan struct{}),
		pumpDone:   make(chan struct{}),
	}

	for _, channel := range []Channel{ChannelExecutionReady, ChannelStage2Queue} {
		if _, err := listenConn.Exec(ctx, fmt.Sprintf(`LISTEN %s`, pgx.Identifier{string(channel)}.Sanitize())); err != nil {
			notifyPool.Close()
			listenConn.Close(ctx)
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
	}

	go n.pump()
	return n, nil
}

func (n *PgNotifier) pump() {
	defer close(n.pumpDone)
	ctx := context.Background()
	for {
		notification, err := n.listenConn.WaitForNotification(ctx)
		if err != nil {
			// Connection closed (Close called) or lost. Either way there is
			// nothing left to listen on.
			return
		}
		channel := Channel(notification.Channel)
		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			return
		}
		for _, ch := range n.subs[channel] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		n.mu.Unlock()
	}
}

// Notify issues a Postgres NOTIFY on the given channel. Any process
// LISTENing on it — including other ETL worker instances — wakes up.
// Runs over notifyPool, never listenConn: the latter is permanently busy
// inside WaitForNotification.
func (n *PgNotifier) Notify(ctx context.Context, channel Channel) error {
	_, err := n.notifyPool.Exec(ctx, `SELECT pg_notify($1, '')`, string(channel))
	if err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

func (n *PgNotifier) Subscribe(ctx context.Context, channel Channel) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subs[channel] = append(n.subs[channel], ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subs[channel]
		for i, s := range subs {
			if s == ch {
				n.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch
}

// Close releases the dedicated connection and the notify pool, and closes
// every subscriber channel. WaitForNotification unblocks with an error
// once the listen connection closes, ending the pump goroutine.
func (n *PgNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	n.subs = nil
	n.mu.Unlock()

	n.notifyPool.Close()

	err := n.listenConn.Close(context.Background())
	<-n.pumpDone
	if err != nil {
		logging.Op().Warn("error closing dedicated listen connection", "error", err)
	}
	return err
}
