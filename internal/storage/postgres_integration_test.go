package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/changefeed"
	"github.com/ecovira/marketchat/internal/models"
)

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
	testDBErr  error
)

func integrationTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testDBOnce.Do(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join("..", "..", ".env"))

		dbURL := os.Getenv("DB_URL")
		if dbURL == "" {
			testDBErr = fmt.Errorf("DB_URL is not set")
			return
		}

		cfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			testDBErr = err
			return
		}

		testDBPool, testDBErr = pgxpool.NewWithConfig(context.Background(), cfg)
		if testDBErr != nil {
			return
		}
		if testDBErr = testDBPool.Ping(context.Background()); testDBErr != nil {
			return
		}

		var table *string
		if err := testDBPool.QueryRow(context.Background(), `SELECT to_regclass('public.messages')::text`).Scan(&table); err != nil {
			testDBErr = err
			return
		}
		if table == nil {
			testDBErr = fmt.Errorf("chat tables are missing; run cmd/migrate first")
		}
	})

	if testDBErr != nil {
		t.Skipf("skipping integration test: %v", testDBErr)
	}
	return testDBPool
}

// testParticipants returns ids unlikely to collide with other runs.
func testParticipants(t *testing.T, ctx context.Context, pool *pgxpool.Pool) (int64, int64) {
	t.Helper()
	base := time.Now().UnixNano() / 1000
	buyerID, sellerID := base, base+1
	t.Cleanup(func() {
		_, err := pool.Exec(ctx, `
			DELETE FROM messages WHERE conversation_id IN (
				SELECT id FROM conversations WHERE buyer_id = $1 OR seller_id = $2
			)`, buyerID, sellerID)
		if err != nil {
			t.Errorf("cleanup messages: %v", err)
		}
		if _, err := pool.Exec(ctx, `DELETE FROM conversations WHERE buyer_id = $1 OR seller_id = $2`, buyerID, sellerID); err != nil {
			t.Errorf("cleanup conversations: %v", err)
		}
	})
	return buyerID, sellerID
}

func TestPostgresFindOrCreateIsAtomic(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	store := NewPostgresStore(pool)
	buyerID, sellerID := testParticipants(t, ctx, pool)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[int64]struct{}{}
		created int
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conversation, isNew, err := store.FindOrCreateConversation(ctx, buyerID, sellerID, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[conversation.ID] = struct{}{}
			if isNew {
				created++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("FindOrCreateConversation: %v", errs[0])
	}
	if len(ids) != 1 || created != 1 {
		t.Fatalf("expected one conversation created once, got ids=%v created=%d", ids, created)
	}

	productID := int64(7)
	withProduct, isNew, err := store.FindOrCreateConversation(ctx, buyerID, sellerID, &productID)
	if err != nil {
		t.Fatalf("FindOrCreateConversation with product: %v", err)
	}
	if !isNew {
		t.Fatal("a product-scoped conversation is a different key")
	}
	if _, ok := ids[withProduct.ID]; ok {
		t.Fatal("product-scoped conversation reused the product-less row")
	}
}

func TestPostgresMessagesAndReadFlag(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	store := NewPostgresStore(pool)
	buyerID, sellerID := testParticipants(t, ctx, pool)

	conversation, _, err := store.FindOrCreateConversation(ctx, buyerID, sellerID, nil)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}

	first, err := store.CreateMessage(ctx, conversation.ID, buyerID, "is it available?")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	second, err := store.CreateMessage(ctx, conversation.ID, sellerID, "yes")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	messages, err := store.ListMessages(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != first.ID || messages[1].ID != second.ID {
		t.Fatalf("unexpected order: %+v", messages)
	}

	updated, err := store.MarkMessagesRead(ctx, conversation.ID, sellerID, []int64{first.ID, second.ID})
	if err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}
	if len(updated) != 1 || updated[0] != first.ID {
		t.Fatalf("expected only the inbound message to flip, got %v", updated)
	}
	updated, err = store.MarkMessagesRead(ctx, conversation.ID, sellerID, []int64{first.ID})
	if err != nil {
		t.Fatalf("MarkMessagesRead again: %v", err)
	}
	if len(updated) != 0 {
		t.Fatalf("expected no change on repeat, got %v", updated)
	}

	if _, err := store.GetConversationForParticipant(ctx, conversation.ID, buyerID+100); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for outsider, got %v", err)
	}

	summaries, err := store.ListConversations(ctx, buyerID)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(summaries) != 1 || summaries[0].LastMessage == nil || summaries[0].LastMessage.ID != second.ID {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
	if summaries[0].UnreadCount != 1 {
		t.Fatalf("expected one unread for the buyer, got %d", summaries[0].UnreadCount)
	}
}

func TestPostgresListenerDeliversChanges(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool := integrationTestPool(t)
	store := NewPostgresStore(pool)
	buyerID, sellerID := testParticipants(t, context.Background(), pool)

	conversation, _, err := store.FindOrCreateConversation(ctx, buyerID, sellerID, nil)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}

	broker := changefeed.NewBroker(8, zerolog.Nop())
	defer broker.Close()
	listener := changefeed.NewListener(pool, broker, time.Second, zerolog.Nop())
	listener.Start(ctx)
	defer listener.Stop()

	events, message := awaitLiveSubscription(t, ctx, broker, store, conversation.ID, buyerID, "ping", 5*time.Second)
	if events == nil {
		t.Fatal("no insert event delivered")
	}

	if _, err := store.MarkMessagesRead(ctx, conversation.ID, sellerID, []int64{message.ID}); err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}
	select {
	case evt := <-events:
		updated, ok := evt.(changefeed.MessageUpdated)
		if !ok || updated.MessageID != message.ID || !updated.IsRead {
			t.Fatalf("unexpected event: %#v", evt)
		}
	case <-ctx.Done():
		t.Fatal("no update event delivered")
	}
}

// awaitLiveSubscription subscribes and writes body until a subscription sees
// its own insert. The listener resets subscribers once LISTEN is in place, so
// early subscriptions may be closed. It returns nil if nothing arrived within
// wait.
func awaitLiveSubscription(
	t *testing.T,
	ctx context.Context,
	broker *changefeed.Broker,
	store *PostgresStore,
	conversationID int64,
	senderID int64,
	body string,
	wait time.Duration,
) (<-chan changefeed.Event, *models.Message) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		ch, err := broker.Subscribe(ctx, conversationID)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		message, err := store.CreateMessage(ctx, conversationID, senderID, body)
		if err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		select {
		case evt, ok := <-ch:
			if ok {
				if inserted, isInsert := evt.(changefeed.MessageInserted); isInsert && inserted.Message.ID == message.ID {
					return ch, &inserted.Message
				}
			}
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, nil
}

func TestPostgresListenerDeliversLongBodies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool := integrationTestPool(t)
	store := NewPostgresStore(pool)
	buyerID, sellerID := testParticipants(t, context.Background(), pool)

	conversation, _, err := store.FindOrCreateConversation(ctx, buyerID, sellerID, nil)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}

	broker := changefeed.NewBroker(8, zerolog.Nop())
	defer broker.Close()
	listener := changefeed.NewListener(pool, broker, time.Second, zerolog.Nop())
	listener.Start(ctx)
	defer listener.Stop()

	// 4000 characters, well over 8000 bytes once JSON-escaped.
	body := strings.Repeat("\"ж", 2000)
	events, delivered := awaitLiveSubscription(t, ctx, broker, store, conversation.ID, sellerID, body, 5*time.Second)
	if events == nil {
		t.Fatal("no insert event delivered")
	}
	if delivered.Body != body {
		t.Fatalf("delivered body has %d bytes, want %d", len(delivered.Body), len(body))
	}
	if delivered.CreatedAt.IsZero() || delivered.SenderID != sellerID {
		t.Fatalf("unexpected hydrated message: id=%d sender=%d created_at=%v", delivered.ID, delivered.SenderID, delivered.CreatedAt)
	}
}

func TestPostgresListenerWaitsForLeaderLock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool := integrationTestPool(t)
	store := NewPostgresStore(pool)
	buyerID, sellerID := testParticipants(t, context.Background(), pool)
	lockKey := time.Now().UnixNano()

	conversation, _, err := store.FindOrCreateConversation(ctx, buyerID, sellerID, nil)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}

	// Another instance is the leader.
	leader, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer leader.Release()
	if _, err := leader.Exec(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		t.Fatalf("take leader lock: %v", err)
	}

	broker := changefeed.NewBroker(8, zerolog.Nop())
	defer broker.Close()
	listener := changefeed.NewListener(pool, broker, time.Second, zerolog.Nop(),
		changefeed.WithLeaderLock(lockKey),
		changefeed.WithStandbyPoll(50*time.Millisecond),
	)
	listener.Start(ctx)
	defer listener.Stop()

	if events, _ := awaitLiveSubscription(t, ctx, broker, store, conversation.ID, buyerID, "standby", time.Second); events != nil {
		t.Fatal("standby listener dispatched an event")
	}

	if _, err := leader.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey); err != nil {
		t.Fatalf("release leader lock: %v", err)
	}
	if events, _ := awaitLiveSubscription(t, ctx, broker, store, conversation.ID, buyerID, "leader", 5*time.Second); events == nil {
		t.Fatal("listener did not take over after the lock was released")
	}
}
