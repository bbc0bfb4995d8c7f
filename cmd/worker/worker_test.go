package main

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/aws"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/aws/awstest"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/config"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/rewards"
)

func testEnv(t *testing.T, mode string) *env {
	return &env{
		cfg: &config.Config{
			DedupMode:        mode,
			DedupCapacity:    2,
			IdempotencyTable: "idempotency",
			RedisAddr:        "127.0.0.1:1",
		},
		logger: zaptest.NewLogger(t),
		aws:    &aws.AWSClients{DynamoDB: awstest.NewDynamo().WithTable("idempotency", "idempotency_key")},
	}
}

func TestNewDeduper(t *testing.T) {
	ctx := context.Background()

	d, closeFn, err := newDeduper(ctx, testEnv(t, config.DedupMemory))
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &rewards.MemoryDeduper{}, d)

	d, closeFn, err = newDeduper(ctx, testEnv(t, config.DedupLedger))
	require.NoError(t, err)
	defer closeFn()
	require.IsType(t, &rewards.LedgerDeduper{}, d)
	first, err := d.Claim(ctx, "TRADE_IN_SUCCESS_1")
	require.NoError(t, err)
	assert.True(t, first)

	_, _, err = newDeduper(ctx, testEnv(t, config.DedupRedis))
	assert.ErrorContains(t, err, "Redis")
}

func TestEmitCmd_RejectsUnknownType(t *testing.T) {
	cmd := emitCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--type", "LEVEL_UP", "--user", "1"})

	err := cmd.Execute()
	assert.ErrorIs(t, err, rewards.ErrUnknownType)
}

func TestEmitCmd_RequiresUser(t *testing.T) {
	cmd := emitCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--type", rewards.TradeInSuccess})

	assert.Error(t, cmd.Execute())
}
