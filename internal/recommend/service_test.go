package recommend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/db/memstore"
	"sponsorscout/internal/external"
	"sponsorscout/internal/types"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
	last  external.CompletionRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req external.CompletionRequest) (string, error) {
	f.calls++
	f.last = req
	return f.reply, f.err
}

type harness struct {
	store  *memstore.Store
	ledger *memstore.Ledger
	llm    *fakeCompleter
	svc    *Service
}

func newHarness(reply string) *harness {
	store := memstore.New()
	ledger := memstore.NewLedger()
	catalog := billing.DefaultPlanCatalog()
	llm := &fakeCompleter{reply: reply}
	return &harness{
		store:  store,
		ledger: ledger,
		llm:    llm,
		svc: NewService(
			billing.NewEvaluator(store, catalog, nil),
			billing.NewRecorder(store, ledger, catalog, nil),
			llm, nil),
	}
}

func (h *harness) subscribe(t *testing.T, plan types.PlanID, units int) *types.SubscriptionRecord {
	t.Helper()
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	status := types.SubStatusActive
	if plan == types.PlanOneShot {
		status = types.SubStatusOneTimeAvailable
	}
	rec, _, err := h.store.Create(context.Background(), &types.SubscriptionRecord{
		ID:                       types.NewID(types.PrefixSubscription),
		UserID:                   "usr_1",
		PlanID:                   plan,
		Status:                   status,
		UnitsPerPeriod:           units,
		CurrentPeriodStart:       &start,
		CurrentPeriodEnd:         &end,
		ProcessorSubscriptionRef: "ref_" + string(plan),
		CreatedAt:                start,
	})
	require.NoError(t, err)
	return rec
}

const testPrompt = "Suggest sponsors for a trail running channel.\nAudience: runners 25-40. Reply with a JSON array."

const goodReply = "Here you go:\n```json\n" +
	`[{"name":"Trail Co","reason":"outdoor audience"},{"name":"  ","reason":"blank"},{"name":"Bean Roasters","reason":"morning content","website":"https://bean.example"}]` +
	"\n```"

func TestRecommend_CommitsOneUnit(t *testing.T) {
	h := newHarness(goodReply)
	h.subscribe(t, types.PlanBasic, 3)

	res, err := h.svc.Recommend(context.Background(), "usr_1", Request{Prompt: testPrompt})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "Trail Co", res.Candidates[0].Name)
	assert.Equal(t, "https://bean.example", res.Candidates[1].Website)
	assert.Equal(t, 2, res.RemainingUnits)
	assert.NotEmpty(t, res.LedgerEntryID)
	assert.Equal(t, 1, h.ledger.Len())

	assert.Equal(t, testPrompt, h.llm.last.Prompt, "prompt is forwarded unchanged")
	assert.Empty(t, h.llm.last.System)

	entries, err := h.ledger.ListForUser(context.Background(), "usr_1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sponsor recommendations: Suggest sponsors for a trail running channel.", entries[0].WorkDescription)
}

func TestRecommend_TruncatesToMaxCandidates(t *testing.T) {
	h := newHarness(goodReply)
	h.subscribe(t, types.PlanPro, 10)

	res, err := h.svc.Recommend(context.Background(), "usr_1", Request{Prompt: "coffee channel sponsors", MaxCandidates: 1})
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)
}

func TestRecommend_NoEntitlementSkipsModel(t *testing.T) {
	h := newHarness(goodReply)

	_, err := h.svc.Recommend(context.Background(), "usr_1", Request{Prompt: "chess streamer sponsors"})
	assert.ErrorIs(t, err, billing.ErrNoActiveEntitlement)
	assert.Zero(t, h.llm.calls)
}

func TestRecommend_ExhaustedQuotaSkipsModel(t *testing.T) {
	h := newHarness(goodReply)
	h.subscribe(t, types.PlanBasic, 1)
	_, err := h.svc.Recommend(context.Background(), "usr_1", Request{Prompt: "chess streamer sponsors"})
	require.NoError(t, err)

	_, err = h.svc.Recommend(context.Background(), "usr_1", Request{Prompt: "chess streamer sponsors"})
	assert.ErrorIs(t, err, billing.ErrQuotaExceeded)
	assert.Equal(t, 1, h.llm.calls)
}

func TestRecommend_ModelFailureConsumesNothing(t *testing.T) {
	h := newHarness("")
	rec := h.subscribe(t, types.PlanOneShot, 1)
	h.llm.err = types.NewAppError(types.ErrCodeUpstreamLLM, "model timed out", errors.New("deadline"))

	_, err := h.svc.Recommend(context.Background(), "usr_1", Request{Prompt: "chess streamer sponsors"})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamLLM, appErr.Code)

	after, err := h.store.GetByProcessorRef(context.Background(), rec.ProcessorSubscriptionRef)
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusOneTimeAvailable, after.Status)
	assert.Zero(t, h.ledger.Len())
}

func TestRecommend_UnparseableReplyConsumesNothing(t *testing.T) {
	h := newHarness("I cannot help with that.")
	h.subscribe(t, types.PlanBasic, 3)

	_, err := h.svc.Recommend(context.Background(), "usr_1", Request{Prompt: "chess streamer sponsors"})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamLLM, appErr.Code)
	assert.Zero(t, h.ledger.Len())
}

func TestParseCandidates(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    int
		wantErr bool
	}{
		{"bare array", `[{"name":"A","reason":"r"}]`, 1, false},
		{"prose around", `Sure! [{"name":"A"},{"name":"B"}] Hope that helps.`, 2, false},
		{"no array", `{"name":"A"}`, 0, true},
		{"bad json", `[{"name":}]`, 0, true},
		{"only blank names", `[{"name":""}]`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCandidates(tt.reply)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}
