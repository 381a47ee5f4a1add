package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoops/internal/model"
	"cryptoops/internal/notification"
	"cryptoops/internal/strategy"
)

type harness struct {
	pos    *memPositions
	ledger *memLedger
	prices *memPrices
	exec   *fakeExec
	notes  *memNotifier
	events *memEvents
	locks  *KeyLock
	fx     *Effects
}

func newHarness(cfgs ...model.PositionConfig) *harness {
	h := &harness{
		pos:    newMemPositions(cfgs...),
		ledger: &memLedger{},
		prices: &memPrices{},
		exec:   &fakeExec{price: "100", qty: "0.5", filled: true},
		notes:  &memNotifier{},
		events: &memEvents{},
		locks:  NewKeyLock(),
	}
	h.fx = &Effects{
		Positions: h.pos,
		Ledger:    h.ledger,
		Notifier:  h.notes,
		Events:    h.events,
		Now:       func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
		Retry:     RetryConfig{Attempts: 2, Min: time.Millisecond, Max: time.Millisecond},
	}
	return h
}

// flaky swaps the position store for one that can fail updates.
func (h *harness) flaky() *flakyPositions {
	fp := &flakyPositions{memPositions: h.pos}
	h.fx.Positions = fp
	return fp
}

func (h *harness) get(t *testing.T) model.PositionConfig {
	t.Helper()
	c, err := h.pos.Get(context.Background(), "BTCUSDT", "u1")
	require.NoError(t, err)
	return c
}

func f(v float64) *float64 { return &v }

func dormant(operate bool) model.PositionConfig {
	c := model.NewPositionConfig("BTCUSDT", "u1", model.NewPrice(105), model.NewPrice(95))
	c.Operate = operate
	c.RunningExtreme = f(18)
	return c
}

func openCfg() model.PositionConfig {
	c := model.NewPositionConfig("BTCUSDT", "u1", model.NewPrice(105), model.NewPrice(95))
	c.Operate = true
	c.State = model.StateOpen
	c.EntryPoint = model.NewPrice(100)
	c.TakeProfit = model.NewPrice(100.5)
	c.StopLoss = model.NewPrice(99.7)
	c.Binance = &model.OrderMeta{OrderID: 1}
	return c
}

func bullish() *model.IndicatorSnapshot {
	return &model.IndicatorSnapshot{
		Symbol: "BTCUSDT",
		Close:  110,
		Indicators: model.Indicators{
			RSI: f(30),
			EMA: map[int]float64{10: 105, 50: 100, 150: 95},
		},
	}
}

func (h *harness) activator(starter MonitorStarter) *Activator {
	return NewActivator(h.fx, h.exec, strategy.NewDefaultGate(), h.locks, starter, ActivatorConfig{})
}

func (h *harness) evaluator() *Evaluator {
	return NewEvaluator(h.fx, h.exec, h.prices, h.locks, EvaluatorConfig{})
}

func TestActivator_OperateFalseNeverActivates(t *testing.T) {
	h := newHarness(dormant(false))
	ok, err := h.activator(nil).Check(context.Background(), "BTCUSDT", "u1", bullish())
	require.NoError(t, err)
	assert.False(t, ok)

	entries, _ := h.exec.counts()
	assert.Zero(t, entries)
	assert.Equal(t, model.StateDormant, h.get(t).State)
}

func TestActivator_OpensOnGatePass(t *testing.T) {
	h := newHarness(dormant(true))
	starter := &startRecorder{}

	ok, err := h.activator(starter).Check(context.Background(), "BTCUSDT", "u1", bullish())
	require.NoError(t, err)
	require.True(t, ok)

	c := h.get(t)
	assert.Equal(t, model.StateOpen, c.State)
	assert.Equal(t, "100.0000", c.EntryPoint.String())
	assert.Equal(t, "100.5000", c.TakeProfit.String())
	assert.Equal(t, "99.7000", c.StopLoss.String())
	assert.Nil(t, c.RunningExtreme)
	require.NotNil(t, c.Binance)
	require.NotNil(t, c.ActivatedAt)

	assert.Equal(t, []model.Operation{model.OpEntry}, h.ledger.ops())
	require.Len(t, h.notes.alerts, 1)
	assert.Equal(t, notification.KindEntry, h.notes.alerts[0].Kind)
	assert.Equal(t, 1, h.events.count())
	assert.Equal(t, []string{"BTCUSDT:u1"}, starter.started)
}

func TestActivator_NotFilledLeavesConfigUntouched(t *testing.T) {
	h := newHarness(dormant(true))
	h.exec.filled = false

	ok, err := h.activator(nil).Check(context.Background(), "BTCUSDT", "u1", bullish())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, dormant(true), h.get(t))
	assert.Empty(t, h.ledger.ops())
	assert.Empty(t, h.notes.alerts)
	assert.Zero(t, h.events.count())
}

func TestActivator_ExistingOrderShortCircuits(t *testing.T) {
	h := newHarness(openCfg())
	ok, err := h.activator(nil).Check(context.Background(), "BTCUSDT", "u1", bullish())
	require.NoError(t, err)
	assert.True(t, ok)
	entries, _ := h.exec.counts()
	assert.Zero(t, entries)
}

func TestActivator_OversoldRecordsExtremeAndWaits(t *testing.T) {
	c := dormant(true)
	c.RunningExtreme = nil
	h := newHarness(c)
	a := h.activator(nil)

	snap := bullish()
	snap.RSI = f(35)
	ok, err := a.Check(context.Background(), "BTCUSDT", "u1", snap)
	require.NoError(t, err)
	assert.False(t, ok, "never oversold yet")

	snap.RSI = f(17.5)
	ok, err = a.Check(context.Background(), "BTCUSDT", "u1", snap)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, h.get(t).RunningExtreme)
	assert.Equal(t, 17.5, *h.get(t).RunningExtreme)

	snap.RSI = f(26)
	ok, err = a.Check(context.Background(), "BTCUSDT", "u1", snap)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestActivator_RetriesEntryWriteWithoutNewOrder(t *testing.T) {
	h := newHarness(dormant(true))
	h.flaky().failNext(1)

	ok, err := h.activator(nil).Check(context.Background(), "BTCUSDT", "u1", bullish())
	require.NoError(t, err)
	assert.True(t, ok)

	entries, _ := h.exec.counts()
	assert.Equal(t, 1, entries)
	assert.Equal(t, model.StateOpen, h.get(t).State)
	assert.Equal(t, []model.Operation{model.OpEntry}, h.ledger.ops())
}

func TestActivator_HeldEntryCompletesOnNextCheck(t *testing.T) {
	h := newHarness(dormant(true))
	fp := h.flaky()
	fp.failNext(5)
	a := h.activator(nil)
	ctx := context.Background()

	ok, err := a.Check(ctx, "BTCUSDT", "u1", bullish())
	require.ErrorIs(t, err, model.ErrTransientStore)
	assert.False(t, ok)
	assert.Equal(t, model.StateDormant, h.get(t).State)
	assert.Empty(t, h.ledger.ops())

	// The gate no longer passes, but the filled order must still land.
	fp.failNext(0)
	snap := bullish()
	snap.Close = 1
	ok, err = a.Check(ctx, "BTCUSDT", "u1", snap)
	require.NoError(t, err)
	assert.True(t, ok)

	entries, _ := h.exec.counts()
	assert.Equal(t, 1, entries)
	c := h.get(t)
	assert.Equal(t, model.StateOpen, c.State)
	require.NotNil(t, c.Binance)
	assert.Equal(t, []model.Operation{model.OpEntry}, h.ledger.ops())

	ok, err = a.Check(ctx, "BTCUSDT", "u1", bullish())
	require.NoError(t, err)
	assert.True(t, ok)
	entries, _ = h.exec.counts()
	assert.Equal(t, 1, entries)
}

func TestActivator_MissingConfig(t *testing.T) {
	h := newHarness()
	ok, err := h.activator(nil).Check(context.Background(), "BTCUSDT", "u1", bullish())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluator_StopLossBeatsTakeBenefit(t *testing.T) {
	c := openCfg()
	c.TakeBenefit = model.PricePtr(model.NewPrice(99.9))
	h := newHarness(c)

	out, err := h.evaluator().EvaluateAt(context.Background(), "BTCUSDT", "u1", decimal.NewFromFloat(99.5))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)
	assert.Equal(t, []model.Operation{model.OpStopLoss}, h.ledger.ops())

	r := h.get(t)
	assert.Equal(t, model.StateDormant, r.State)
	assert.False(t, r.Operate)
	assert.True(t, r.Status)
	assert.Equal(t, "105.0000", r.AlertUp.String())
	assert.Equal(t, "95.0000", r.AlertDown.String())
	assert.Nil(t, r.Binance)

	require.Len(t, h.notes.alerts, 1)
	assert.Equal(t, notification.AlertWarning, h.notes.alerts[0].Level)
	assert.Equal(t, 1, h.events.count())
}

func TestEvaluator_StopLossBeatsTakeProfit(t *testing.T) {
	// Misconfigured levels: the stop sits above the take-profit.
	c := openCfg()
	c.StopLoss = model.NewPrice(101)
	c.TakeProfit = model.NewPrice(100.5)
	h := newHarness(c)

	out, err := h.evaluator().EvaluateAt(context.Background(), "BTCUSDT", "u1", decimal.NewFromFloat(100.8))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)
	assert.Equal(t, []model.Operation{model.OpStopLoss}, h.ledger.ops())
	assert.Equal(t, model.StateDormant, h.get(t).State)
}

func TestEvaluator_RatchetNeverLowers(t *testing.T) {
	h := newHarness(openCfg())
	e := h.evaluator()
	ctx := context.Background()

	out, err := e.EvaluateAt(ctx, "BTCUSDT", "u1", decimal.NewFromFloat(100.6))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRatcheted, out)
	c := h.get(t)
	assert.Equal(t, "101.0025", c.TakeProfit.String())
	require.NotNil(t, c.TakeBenefit)
	assert.Equal(t, "100.0980", c.TakeBenefit.String())
	assert.Equal(t, "0.0060", c.ProfitProgress.String())

	out, err = e.EvaluateAt(ctx, "BTCUSDT", "u1", decimal.NewFromFloat(101.1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRatcheted, out)
	c = h.get(t)
	assert.Equal(t, "101.5075", c.TakeProfit.String())
	assert.Equal(t, "100.5985", c.TakeBenefit.String())

	// Between TB and TP nothing happens.
	out, err = e.EvaluateAt(ctx, "BTCUSDT", "u1", decimal.NewFromFloat(101))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHold, out)
	assert.Empty(t, h.ledger.ops())
	assert.Equal(t, 2, h.events.count())
}

func TestEvaluator_TakeBenefitCloses(t *testing.T) {
	h := newHarness(openCfg())
	e := h.evaluator()
	ctx := context.Background()

	_, err := e.EvaluateAt(ctx, "BTCUSDT", "u1", decimal.NewFromFloat(100.6))
	require.NoError(t, err)
	out, err := e.EvaluateAt(ctx, "BTCUSDT", "u1", decimal.NewFromFloat(100.05))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)
	assert.Equal(t, []model.Operation{model.OpTakeBenefit}, h.ledger.ops())
}

func TestEvaluator_TakeProfitClosesAtMaxProgress(t *testing.T) {
	h := newHarness(openCfg())
	out, err := h.evaluator().EvaluateAt(context.Background(), "BTCUSDT", "u1", decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)
	assert.Equal(t, []model.Operation{model.OpTakeProfit}, h.ledger.ops())
}

func TestEvaluator_DoubleCloseIsNoop(t *testing.T) {
	h := newHarness(openCfg())
	e := h.evaluator()
	ctx := context.Background()

	out, err := e.Close(ctx, "BTCUSDT", "u1", model.OpStopLoss)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)

	out, err = e.Close(ctx, "BTCUSDT", "u1", model.OpStopLoss)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInactive, out)

	_, closes := h.exec.counts()
	assert.Equal(t, 1, closes)
	assert.Len(t, h.ledger.ops(), 1)
}

func TestEvaluator_NotFilledCloseStaysOpen(t *testing.T) {
	h := newHarness(openCfg())
	h.exec.filled = false

	out, err := h.evaluator().EvaluateAt(context.Background(), "BTCUSDT", "u1", decimal.NewFromInt(99))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCloseFailed, out)
	assert.Equal(t, model.StateOpen, h.get(t).State)
	assert.Empty(t, h.ledger.ops())
	assert.Zero(t, h.events.count())
}

func TestEvaluator_RetriesResetWithoutNewOrder(t *testing.T) {
	h := newHarness(openCfg())
	h.flaky().failNext(1)

	out, err := h.evaluator().EvaluateAt(context.Background(), "BTCUSDT", "u1", decimal.NewFromInt(99))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)

	_, closes := h.exec.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, model.StateDormant, h.get(t).State)
	assert.Equal(t, []model.Operation{model.OpStopLoss}, h.ledger.ops())
}

func TestEvaluator_HeldCloseCompletesOnNextCycle(t *testing.T) {
	h := newHarness(openCfg())
	fp := h.flaky()
	fp.failNext(5)
	e := h.evaluator()
	ctx := context.Background()

	out, err := e.EvaluateAt(ctx, "BTCUSDT", "u1", decimal.NewFromInt(99))
	require.ErrorIs(t, err, model.ErrTransientStore)
	assert.Equal(t, OutcomeHold, out)
	assert.Equal(t, model.StateOpen, h.get(t).State)
	assert.Equal(t, []model.Operation{model.OpStopLoss}, h.ledger.ops(), "recorded once the order filled")
	assert.Empty(t, h.notes.alerts)

	// Price is back between SL and TP; the held sell still finishes.
	fp.failNext(0)
	out, err = e.EvaluateAt(ctx, "BTCUSDT", "u1", decimal.NewFromFloat(100.2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)

	_, closes := h.exec.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, model.StateDormant, h.get(t).State)
	assert.Equal(t, []model.Operation{model.OpStopLoss}, h.ledger.ops())
	require.Len(t, h.notes.alerts, 1)
	assert.Equal(t, notification.AlertWarning, h.notes.alerts[0].Level)

	out, err = e.EvaluateAt(ctx, "BTCUSDT", "u1", decimal.NewFromInt(99))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInactive, out)
}

func TestEvaluator_UsesLastClose(t *testing.T) {
	h := newHarness(openCfg())
	e := h.evaluator()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, "BTCUSDT", "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHold, out, "no price yet")

	require.NoError(t, h.prices.SetLastClose(ctx, "BTCUSDT", 99.0))
	out, err = e.Evaluate(ctx, "BTCUSDT", "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)
}

func TestMonitors_StartIsIdempotentAndStopsOnClose(t *testing.T) {
	h := newHarness(openCfg())
	m := NewMonitors(h.evaluator(), 5*time.Millisecond)
	ctx := context.Background()

	assert.True(t, m.Start(ctx, "BTCUSDT", "u1"))
	assert.False(t, m.Start(ctx, "BTCUSDT", "u1"))
	assert.Equal(t, 1, m.Count())

	require.NoError(t, h.prices.SetLastClose(ctx, "BTCUSDT", 99.0))
	require.Eventually(t, func() bool { return !m.Running("BTCUSDT", "u1") }, time.Second, 5*time.Millisecond)
	m.Wait()
	assert.Equal(t, []model.Operation{model.OpStopLoss}, h.ledger.ops())
}

func TestMonitors_CancelledWithContext(t *testing.T) {
	h := newHarness(openCfg())
	m := NewMonitors(h.evaluator(), 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	m.Start(ctx, "BTCUSDT", "u1")
	cancel()
	m.Wait()
	assert.Zero(t, m.Count())
	assert.Equal(t, model.StateOpen, h.get(t).State)
}

func TestMonitors_RunsWhileAnyOwnerRemains(t *testing.T) {
	h := newHarness(openCfg())
	m := NewMonitors(h.evaluator(), 5*time.Millisecond)
	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	assert.True(t, m.Start(ctxA, "BTCUSDT", "u1"))
	assert.False(t, m.Start(ctxB, "BTCUSDT", "u1"))
	assert.False(t, m.Start(ctxB, "BTCUSDT", "u1"))

	cancelA()
	assert.Never(t, func() bool { return !m.Running("BTCUSDT", "u1") }, 50*time.Millisecond, 5*time.Millisecond)

	cancelB()
	m.Wait()
	assert.Zero(t, m.Count())
	assert.Equal(t, model.StateOpen, h.get(t).State)
}

func TestMonitors_StartReplacesStoppedEntry(t *testing.T) {
	h := newHarness(openCfg())
	m := NewMonitors(h.evaluator(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); m.Wait() }()

	require.True(t, m.Start(ctx, "BTCUSDT", "u1"))
	m.Stop("BTCUSDT", "u1")
	assert.True(t, m.Start(ctx, "BTCUSDT", "u1"), "a stopping monitor does not block a new one")
	assert.True(t, m.Running("BTCUSDT", "u1"))
	assert.Never(t, func() bool { return !m.Running("BTCUSDT", "u1") }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestMonitors_RestoreOpen(t *testing.T) {
	other := openCfg()
	other.Symbol = "ETHUSDT"
	h := newHarness(openCfg(), other, dormant(true))
	m := NewMonitors(h.evaluator(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); m.Wait() }()

	n, err := m.RestoreOpen(ctx, h.pos)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestKeyLock_Serializes(t *testing.T) {
	k := NewKeyLock()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("BTCUSDT:u1")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, k.Len())
}
