package batch

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/raysh454/racer/internal/artifacts"
	"github.com/raysh454/racer/internal/model"
)

// ─── helpers ───────────────────────────────────────────────────────────

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ex(id string, delay, i, status int, body string, date string) model.Exchange {
	return model.Exchange{
		RequestID:    id,
		DelayMS:      delay,
		SendTime:     t0.Add(time.Duration(delay+i) * time.Millisecond),
		ResponseTime: t0.Add(time.Duration(delay+i+3) * time.Millisecond),
		StatusCode:   status,
		Headers:      map[string]string{"Date": date, "Content-Type": "text/plain"},
		Body:         body,
	}
}

func newBatch(t *testing.T) (*Batch, *artifacts.MemStore) {
	t.Helper()
	sink := artifacts.NewMemStore()
	return New("b1", Settings{}, sink, nil), sink
}

// ─── items ─────────────────────────────────────────────────────────────

func TestAdd_Validation(t *testing.T) {
	t.Parallel()

	b, _ := newBatch(t)
	tests := []struct {
		name    string
		id      string
		delay   int
		par     int
		seq     int
		wantErr error
	}{
		{"ok", "1", 0, 1, 1, nil},
		{"negative delay", "1", -1, 1, 1, model.ErrInvalidArgument},
		{"zero parallel", "1", 5, 0, 1, model.ErrInvalidArgument},
		{"zero sequential", "1", 5, 1, 0, model.ErrInvalidArgument},
		{"empty id", "", 5, 1, 1, model.ErrInvalidArgument},
		{"duplicate", "1", 0, 2, 2, model.ErrDuplicateKey},
	}
	for _, tt := range tests {
		err := b.Add(tt.id, tt.delay, tt.par, tt.seq, false)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.wantErr)
		}
	}

	if err := b.Add("1", 0, 4, 2, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	it, err := b.Item("1", 0)
	if err != nil || it != (Item{Parallel: 4, Sequential: 2}) {
		t.Errorf("Item = %+v, %v", it, err)
	}
	if len(b.Items()) != 1 {
		t.Errorf("items = %v, want exactly one", b.Items())
	}
}

func TestRequestsAndSummary(t *testing.T) {
	t.Parallel()

	b, _ := newBatch(t)
	mustAdd(t, b, "10", 0, 1, 1)
	mustAdd(t, b, "2", 100, 2, 3)
	mustAdd(t, b, "2", 0, 3, 1)

	if got := b.Requests(); !reflect.DeepEqual(got, []string{"2", "10"}) {
		t.Errorf("Requests = %v", got)
	}
	ms := b.MiniSummary()
	if ms.Items != 3 || ms.Requests != 1+6+3 {
		t.Errorf("MiniSummary = %+v", ms)
	}
	rows := b.Summary()
	if rows[0].Key != (Key{"2", 0}) || rows[1].Key != (Key{"2", 100}) || rows[1].Requests != 6 {
		t.Errorf("Summary = %+v", rows)
	}
}

func TestSortedKeys_SharesRequestOrdering(t *testing.T) {
	t.Parallel()

	b, _ := newBatch(t)
	for _, id := range []string{"x", "10", "9", "a1"} {
		mustAdd(t, b, id, 0, 1, 1)
	}
	want := []string{"9", "10", "a1", "x"}
	if got := b.Requests(); !reflect.DeepEqual(got, want) {
		t.Errorf("Requests = %v, want %v", got, want)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	b, _ := newBatch(t)
	mustAdd(t, b, "1", 0, 1, 1)
	mustAdd(t, b, "1", 50, 1, 1)
	mustAdd(t, b, "2", 0, 1, 1)

	if err := b.RemoveItem("3", 0); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("RemoveItem unknown err = %v", err)
	}
	if _, err := b.RemoveRequest("3"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("RemoveRequest unknown err = %v", err)
	}
	n, err := b.RemoveRequest("1")
	if err != nil || n != 2 {
		t.Errorf("RemoveRequest = %d, %v", n, err)
	}
	if got := b.RemoveAll(); got != 1 || !b.IsEmpty() {
		t.Errorf("RemoveAll = %d, empty=%v", got, b.IsEmpty())
	}
}

func TestRemoveItem_RegroupsRemainingResponses(t *testing.T) {
	t.Parallel()

	b, _ := newBatch(t)
	mustAdd(t, b, "1", 0, 2, 1)
	mustAdd(t, b, "1", 100, 1, 1)
	res := NewResults(t0, t0.Add(time.Second), map[string]*model.ResponseSet{
		"1": {Exchanges: []model.Exchange{
			ex("1", 0, 0, 200, "ok", "a"),
			ex("1", 0, 1, 200, "ok", "b"),
			ex("1", 100, 0, 409, "used", "c"),
		}},
	})
	if err := b.OverwriteResults(res); err != nil {
		t.Fatalf("OverwriteResults: %v", err)
	}
	rr, _ := b.Result("1")
	if len(rr.Grouped.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(rr.Grouped.Groups))
	}

	if err := b.RemoveItem("1", 100); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	rr, err := b.Result("1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(rr.Responses) != 2 || rr.Grouped == nil || len(rr.Grouped.Groups) != 1 {
		t.Errorf("after removal: %d responses, grouped=%+v", len(rr.Responses), rr.Grouped)
	}
}

func TestUpdateIDs(t *testing.T) {
	t.Parallel()

	b, _ := newBatch(t)
	mustAdd(t, b, "5", 0, 1, 1)
	mustAdd(t, b, "7", 10, 2, 1)
	if err := b.OverwriteResults(NewResults(t0, t0, map[string]*model.ResponseSet{
		"7": {Exchanges: []model.Exchange{ex("7", 10, 0, 200, "x", "d")}},
	})); err != nil {
		t.Fatalf("OverwriteResults: %v", err)
	}
	b.MarkClean()

	b.UpdateIDs(map[string]string{"99": "1"})
	if b.Dirty() {
		t.Errorf("UpdateIDs without overlap must be a no-op")
	}

	b.UpdateIDs(map[string]string{"5": "1", "7": "2"})
	want := map[Key]Item{{"1", 0}: {1, 1}, {"2", 10}: {2, 1}}
	if got := b.Items(); !reflect.DeepEqual(got, want) {
		t.Errorf("Items = %v, want %v", got, want)
	}
	rr, err := b.Result("2")
	if err != nil {
		t.Fatalf("Result(2): %v", err)
	}
	if rr.Responses[0].RequestID != "2" {
		t.Errorf("exchange request id = %q", rr.Responses[0].RequestID)
	}
}

// ─── results ───────────────────────────────────────────────────────────

func TestOverwriteResults_ReplacesAndDeletesArtifacts(t *testing.T) {
	t.Parallel()

	b, sink := newBatch(t)
	mustAdd(t, b, "1", 0, 1, 1)
	page := model.Exchange{
		RequestID: "1", SendTime: t0, ResponseTime: t0, StatusCode: 200,
		Headers: map[string]string{"Content-Type": "text/html"},
		Body:    "<html><body><b>hi</b></body></html>",
	}
	set := map[string]*model.ResponseSet{"1": {Exchanges: []model.Exchange{page}}}
	if err := b.OverwriteResults(NewResults(t0, t0, set)); err != nil {
		t.Fatalf("OverwriteResults: %v", err)
	}
	if len(sink.Files) != 1 {
		t.Fatalf("artifacts = %v", sink.Files)
	}
	if err := b.OverwriteResults(NewResults(t0, t0, map[string]*model.ResponseSet{})); err != nil {
		t.Fatalf("OverwriteResults: %v", err)
	}
	if len(sink.Files) != 0 {
		t.Errorf("old artifacts not deleted: %v", sink.Files)
	}
	if b.HasResults() {
		t.Errorf("HasResults = true for empty results")
	}
}

func TestRegroup_RestoresMissingArtifacts(t *testing.T) {
	t.Parallel()

	b, sink := newBatch(t)
	mustAdd(t, b, "1", 0, 1, 1)
	page := model.Exchange{
		RequestID: "1", SendTime: t0, ResponseTime: t0, StatusCode: 200,
		Headers: map[string]string{"Content-Type": "text/html"},
		Body:    "<p>x</p>",
	}
	if err := b.OverwriteResults(NewResults(t0, t0, map[string]*model.ResponseSet{"1": {Exchanges: []model.Exchange{page}}})); err != nil {
		t.Fatalf("OverwriteResults: %v", err)
	}
	for f := range sink.Files {
		delete(sink.Files, f)
	}
	if err := b.Regroup(false); err != nil {
		t.Fatalf("Regroup: %v", err)
	}
	if len(sink.Files) != 1 {
		t.Errorf("artifact not rewritten: %v", sink.Files)
	}
}

func TestAddIgnoredField_Regroups(t *testing.T) {
	t.Parallel()

	b, _ := newBatch(t)
	mustAdd(t, b, "1", 0, 3, 1)
	xs := []model.Exchange{
		ex("1", 0, 0, 200, "ok", "d"),
		ex("1", 0, 1, 200, "ok", "d"),
		ex("1", 0, 2, 200, "ok", "d"),
	}
	xs[0].Headers["X-Request-Id"] = "a"
	xs[1].Headers["X-Request-Id"] = "b"
	xs[2].Headers["X-Request-Id"] = "c"
	if err := b.OverwriteResults(NewResults(t0, t0, map[string]*model.ResponseSet{"1": {Exchanges: xs}})); err != nil {
		t.Fatalf("OverwriteResults: %v", err)
	}
	rr, _ := b.Result("1")
	before := len(rr.Grouped.Groups)

	if err := b.AddIgnoredField("X-Request-Id"); err != nil {
		t.Fatalf("AddIgnoredField: %v", err)
	}
	if err := b.AddIgnoredField("X-Request-Id"); !errors.Is(err, model.ErrDuplicateKey) {
		t.Errorf("second AddIgnoredField err = %v", err)
	}
	rr, _ = b.Result("1")
	after := len(rr.Grouped.Groups)
	if before != 3 || after != 1 {
		t.Errorf("groups before=%d after=%d, want 3 and 1", before, after)
	}

	if err := b.ResetIgnoredFields(); err != nil {
		t.Fatalf("ResetIgnoredFields: %v", err)
	}
	rr, _ = b.Result("1")
	if len(rr.Grouped.Groups) != 3 {
		t.Errorf("groups after reset = %d", len(rr.Grouped.Groups))
	}
}

// Scenario: (A,0)=(3,1) and (A,100)=(2,1) against an endpoint returning
// "ok" the first time and "used" afterwards.
func TestScenario_TwoGroupsWithStats(t *testing.T) {
	t.Parallel()

	b, _ := newBatch(t)
	mustAdd(t, b, "A", 0, 3, 1)
	mustAdd(t, b, "A", 100, 2, 1)
	if got := b.MiniSummary().Requests; got != 5 {
		t.Fatalf("requests = %d, want 5", got)
	}
	xs := []model.Exchange{
		ex("A", 0, 0, 200, "ok", "d1"),
		ex("A", 0, 1, 200, "used", "d1"),
		ex("A", 0, 2, 200, "used", "d1"),
		ex("A", 100, 0, 200, "used", "d2"),
		ex("A", 100, 1, 200, "used", "d2"),
	}
	if err := b.OverwriteResults(NewResults(t0, t0.Add(time.Second), map[string]*model.ResponseSet{"A": {Exchanges: xs}})); err != nil {
		t.Fatalf("OverwriteResults: %v", err)
	}
	rr, err := b.Result("A")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(rr.Responses) != 5 {
		t.Fatalf("responses = %d", len(rr.Responses))
	}
	g := rr.Grouped
	if len(g.Groups) != 2 || len(g.Groups[0].Responses) != 1 || len(g.Groups[1].Responses) != 4 {
		t.Fatalf("group sizes wrong: %+v", g.Groups)
	}
	if !reflect.DeepEqual(g.Stats.NeverMatch, []string{"body"}) {
		t.Errorf("never_match = %v", g.Stats.NeverMatch)
	}
	if !reflect.DeepEqual(g.Stats.Ignored, []string{"Date"}) {
		t.Errorf("ignored = %v", g.Stats.Ignored)
	}
	if !reflect.DeepEqual(g.Stats.AlwaysMatch, []string{"status_code", "Content-Type"}) {
		t.Errorf("always_match = %v", g.Stats.AlwaysMatch)
	}

	rep, err := b.CompareGroups("A", 0, 1)
	if err != nil {
		t.Fatalf("CompareGroups: %v", err)
	}
	if len(rep.Diffs) == 0 {
		t.Errorf("expected diffs between groups")
	}
	if _, err := b.CompareGroups("A", 1, 1); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("same group err = %v", err)
	}
	if _, err := b.CompareGroups("A", 0, 5); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("out of range err = %v", err)
	}
	if _, err := b.CompareGroups("B", 0, 1); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown request err = %v", err)
	}
}

// ─── state ─────────────────────────────────────────────────────────────

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	b, sink := newBatch(t)
	b.SetAllowRedirects(true)
	b.SetSyncLastByte(true)
	if err := b.SetSendTimeout(7); err != nil {
		t.Fatalf("SetSendTimeout: %v", err)
	}
	mustAdd(t, b, "1", 0, 2, 1)
	mustAdd(t, b, "1", 25, 1, 3)
	if err := b.AddIgnoredField("Server"); err != nil {
		t.Fatalf("AddIgnoredField: %v", err)
	}
	xs := []model.Exchange{ex("1", 0, 0, 200, "ok", "x"), ex("1", 0, 1, 500, "err", "y")}
	if err := b.OverwriteResults(NewResults(t0, t0, map[string]*model.ResponseSet{"1": {Exchanges: xs}})); err != nil {
		t.Fatalf("OverwriteResults: %v", err)
	}

	data, err := b.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data, sink, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Name() != "b1" || got.Settings() != b.Settings() {
		t.Errorf("settings = %+v, want %+v", got.Settings(), b.Settings())
	}
	if !reflect.DeepEqual(got.Items(), b.Items()) {
		t.Errorf("items = %v, want %v", got.Items(), b.Items())
	}
	if !reflect.DeepEqual(got.Policy().Ignore, b.Policy().Ignore) {
		t.Errorf("ignore = %v", got.Policy().Ignore)
	}
	want, _ := b.Result("1")
	have, err := got.Result("1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(have.Grouped.Groups) != len(want.Grouped.Groups) || !reflect.DeepEqual(have.Grouped.Stats, want.Grouped.Stats) {
		t.Errorf("grouping differs after round trip: %+v vs %+v", have.Grouped.Stats, want.Grouped.Stats)
	}
	if got.Dirty() {
		t.Errorf("decoded batch should be clean")
	}
}

func TestEncode_ConcurrentWithEdits(t *testing.T) {
	t.Parallel()

	b, _ := newBatch(t)
	mustAdd(t, b, "1", 0, 2, 1)
	mustAdd(t, b, "1", 100, 1, 1)
	results := func() *Results {
		return NewResults(t0, t0, map[string]*model.ResponseSet{"1": {Exchanges: []model.Exchange{
			ex("1", 0, 0, 200, "ok", "a"),
			ex("1", 0, 1, 200, "ok", "b"),
			ex("1", 100, 0, 409, "used", "c"),
		}}})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if _, err := b.Encode(); err != nil {
				t.Errorf("Encode: %v", err)
				return
			}
			if res := b.Results(); res != nil {
				for _, rr := range res.Contents {
					_ = len(rr.Responses)
					if rr.Grouped != nil {
						_ = len(rr.Grouped.Groups)
					}
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if err := b.OverwriteResults(results()); err != nil {
				t.Errorf("OverwriteResults: %v", err)
				return
			}
			_ = b.AddIgnoredField("Server")
			_ = b.RemoveIgnoredField("Server")
			b.UpdateIDs(map[string]string{"1": "1"})
		}
	}()
	wg.Wait()
}

func TestResultSnapshot_UnchangedByEdits(t *testing.T) {
	t.Parallel()

	b, _ := newBatch(t)
	mustAdd(t, b, "1", 0, 1, 1)
	mustAdd(t, b, "1", 100, 1, 1)
	if err := b.OverwriteResults(NewResults(t0, t0, map[string]*model.ResponseSet{"1": {Exchanges: []model.Exchange{
		ex("1", 0, 0, 200, "ok", "a"),
		ex("1", 100, 0, 409, "used", "b"),
	}}})); err != nil {
		t.Fatalf("OverwriteResults: %v", err)
	}
	before, _ := b.Result("1")
	snap := b.Results()

	if err := b.RemoveItem("1", 100); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	b.UpdateIDs(map[string]string{"1": "4"})

	if len(before.Responses) != 2 || before.Grouped == nil || len(before.Grouped.Groups) != 2 {
		t.Errorf("earlier result changed: %d responses, grouped=%+v", len(before.Responses), before.Grouped)
	}
	if before.Responses[0].RequestID != "1" {
		t.Errorf("earlier result renamed to %q", before.Responses[0].RequestID)
	}
	if _, ok := snap.Contents["1"]; !ok || len(snap.Contents) != 1 {
		t.Errorf("snapshot contents changed: %v", snap.Contents)
	}
	after, err := b.Result("4")
	if err != nil || len(after.Responses) != 1 || after.Responses[0].RequestID != "4" {
		t.Errorf("Result(4) = %+v, %v", after, err)
	}
}

func TestMarkSaved_KeepsLaterEditsDirty(t *testing.T) {
	t.Parallel()

	b, _ := newBatch(t)
	mustAdd(t, b, "1", 0, 1, 1)
	_, version, err := b.EncodeVersion()
	if err != nil {
		t.Fatalf("EncodeVersion: %v", err)
	}
	mustAdd(t, b, "2", 0, 1, 1)
	b.MarkSaved(version)
	if !b.Dirty() {
		t.Fatalf("edit made after encoding was marked saved")
	}

	_, version, _ = b.EncodeVersion()
	b.MarkSaved(version)
	if b.Dirty() {
		t.Errorf("batch dirty after saving current version")
	}
	b.MarkSaved(version - 1)
	if b.Dirty() {
		t.Errorf("older version moved saved backwards")
	}
}

func TestEncodeDecode_RawBodiesKeepGroups(t *testing.T) {
	t.Parallel()

	b, sink := newBatch(t)
	mustAdd(t, b, "1", 0, 2, 1)
	a, c := ex("1", 0, 0, 200, "\xff\x01", "x"), ex("1", 0, 1, 200, "\xfe\x01", "y")
	a.Undecoded, c.Undecoded = true, true
	if err := b.OverwriteResults(NewResults(t0, t0, map[string]*model.ResponseSet{"1": {Exchanges: []model.Exchange{a, c}}})); err != nil {
		t.Fatalf("OverwriteResults: %v", err)
	}
	data, err := b.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data, sink, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := got.Regroup(true); err != nil {
		t.Fatalf("Regroup: %v", err)
	}
	rr, err := got.Result("1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(rr.Grouped.Groups) != 2 {
		t.Errorf("groups after round trip = %d, want 2", len(rr.Grouped.Groups))
	}
	if rr.Responses[0].Body != "\xff\x01" {
		t.Errorf("body = %q", rr.Responses[0].Body)
	}
}

func TestDecode_CorruptState(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"not json":     `{"name":`,
		"no name":      `{"items":[]}`,
		"bad item":     `{"name":"x","items":[{"key":{"request_id":"1","delay_ms":-4},"value":{"parallel":1,"sequential":1}}]}`,
		"null results": `{"name":"x","items":[],"results":{"contents":{"1":null}}}`,
	}
	for name, in := range tests {
		if _, err := Decode([]byte(in), nil, nil); !errors.Is(err, model.ErrCorruptState) {
			t.Errorf("%s: err = %v, want ErrCorruptState", name, err)
		}
	}
}

func mustAdd(t *testing.T, b *Batch, id string, delay, par, seq int) {
	t.Helper()
	if err := b.Add(id, delay, par, seq, false); err != nil {
		t.Fatalf("Add(%s,%d): %v", id, delay, err)
	}
}
