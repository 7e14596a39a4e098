package inbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wangyingjie930/payflow-pkg/store"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return db
}

func TestRunIfFirstExecutesHandlerOnce(t *testing.T) {
	ib := New(newTestDB(t))
	ctx := context.Background()

	calls := 0
	handler := func(context.Context) error {
		calls++
		return nil
	}

	ran, err := ib.RunIfFirst(ctx, "payments-service", "evt-1", handler)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = ib.RunIfFirst(ctx, "payments-service", "evt-1", handler)
	require.NoError(t, err)
	assert.False(t, ran)

	assert.Equal(t, 1, calls)
}

func TestRunIfFirstIsScopedPerConsumer(t *testing.T) {
	ib := New(newTestDB(t))
	ctx := context.Background()

	noop := func(context.Context) error { return nil }

	ran, err := ib.RunIfFirst(ctx, "payments-service", "evt-1", noop)
	require.NoError(t, err)
	assert.True(t, ran)

	// A different consumer gets its own dedup stream for the same event id.
	ran, err = ib.RunIfFirst(ctx, "ledger-service", "evt-1", noop)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunIfFirstMarkerSurvivesHandlerFailure(t *testing.T) {
	ib := New(newTestDB(t))
	ctx := context.Background()

	calls := 0
	failing := func(context.Context) error {
		calls++
		return errors.New("handler bug")
	}

	ran, err := ib.RunIfFirst(ctx, "payments-service", "evt-1", failing)
	assert.True(t, ran)
	require.Error(t, err)

	// The event counts as consumed: redelivery must not re-run side effects.
	ran, err = ib.RunIfFirst(ctx, "payments-service", "evt-1", failing)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, calls)
}

func TestRunIfFirstConcurrentDeliveriesHaveOneWinner(t *testing.T) {
	db := newTestDB(t)
	// One pooled connection serializes the writes at the driver level; the
	// uniqueness constraint still picks the single winner.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	ib := New(db)
	ctx := context.Background()

	const workers = 8

	var mu sync.Mutex
	calls := 0
	winners := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ran, err := ib.RunIfFirst(ctx, "payments-service", "evt-race", func(context.Context) error {
				mu.Lock()
				calls++
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
			if ran {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, calls)
}
