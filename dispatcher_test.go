package main

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

type dispatcherFixture struct {
	d        *dispatcher
	out      *fakeTransport
	slots    *memSlotStore
	settings *userSettings
	noLimit  *obfuscatedFlagStore
	managers *obfuscatedFlagStore
	stats    *statsStore
	raster   *fakeRasterizer
	compiler *fakeCompiler
	now      time.Time
	eventSeq int
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	db := newTestStateDB(t)
	slots := newMemSlotStore()
	settings := newUserSettings(slots)
	secret := []byte("test-secret")
	managers := newObfuscatedFlagStore(slots, secret, managerFlag)
	noLimit := newObfuscatedFlagStore(slots, secret, noLimitFlag)
	stats := newStatsStore(db, 0)
	preambles := newPreambleStore(slots)
	compiler := &fakeCompiler{}
	raster := &fakeRasterizer{bboxOutput: "%%BoundingBox: 0 0 72 72\n"}
	out := &fakeTransport{}

	f := &dispatcherFixture{
		out:      out,
		slots:    slots,
		settings: settings,
		noLimit:  noLimit,
		managers: managers,
		stats:    stats,
		raster:   raster,
		compiler: compiler,
		now:      time.Unix(1_700_000_000, 0),
	}
	dedup := newEventDedup(db)
	dedup.now = func() time.Time { return f.now }
	f.d = &dispatcher{
		dedup:     dedup,
		gate:      newRateGate(settings, noLimit, 30*time.Second),
		scheduler: newRenderScheduler(1),
		pipeline:  newRenderPipeline(preambles, settings, compiler, raster, t.TempDir()),
		preambles: preambles,
		settings:  settings,
		managers:  managers,
		noLimit:   noLimit,
		stats:     stats,
		out:       out,
		now:       func() time.Time { return f.now },
	}
	return f
}

// send delivers text as a fresh direct-message event and waits for any
// render job to finish.
func (f *dispatcherFixture) send(userID int64, text string) {
	f.eventSeq++
	f.d.HandleEvent(context.Background(), inboundEvent{
		EventID:  fmt.Sprintf("ev-%d", f.eventSeq),
		SenderID: userID,
		PeerID:   userID,
		Text:     text,
	})
	f.d.scheduler.Wait()
}

func TestDispatcherDuplicateSuppressed(t *testing.T) {
	f := newDispatcherFixture(t)
	ev := inboundEvent{EventID: "dup-1", SenderID: 1, PeerID: 1, Text: "/help"}

	f.d.HandleEvent(context.Background(), ev)
	first := f.out.replyCount()

	f.now = f.now.Add(2 * time.Minute)
	f.d.HandleEvent(context.Background(), ev)
	if f.out.replyCount() != first+1 {
		t.Fatalf("duplicate did not produce exactly one notice")
	}
	notice := f.out.lastReply()
	if !strings.Contains(notice, "already received") {
		t.Fatalf("duplicate notice = %q", notice)
	}
	if !strings.Contains(notice, "2 minutes") {
		t.Fatalf("duplicate notice missing age: %q", notice)
	}
}

func TestDispatcherEmptyText(t *testing.T) {
	f := newDispatcherFixture(t)
	f.send(1, "   ")
	if !strings.Contains(f.out.lastReply(), "did not contain text") {
		t.Fatalf("reply = %q", f.out.lastReply())
	}
}

func TestDispatcherUnknownCommand(t *testing.T) {
	f := newDispatcherFixture(t)
	f.send(1, "/frobnicate")
	if !strings.Contains(f.out.lastReply(), `Unknown command "frobnicate"`) {
		t.Fatalf("reply = %q", f.out.lastReply())
	}
}

func TestDispatcherHelpShowsCurrentSettings(t *testing.T) {
	f := newDispatcherFixture(t)
	if err := f.settings.SetDPI(1, 450); err != nil {
		t.Fatalf("SetDPI: %v", err)
	}
	if err := f.settings.SetCodeInCaption(1, true); err != nil {
		t.Fatalf("SetCodeInCaption: %v", err)
	}
	f.send(1, "/help")
	reply := f.out.lastReply()
	if !strings.Contains(reply, "/set-dpi <450>") {
		t.Fatalf("help missing current dpi: %q", reply)
	}
	if !strings.Contains(reply, "/set-caption-code <1>") {
		t.Fatalf("help missing caption-code setting: %q", reply)
	}
	if !strings.Contains(reply, "/set-render-time <0>") {
		t.Fatalf("help missing render-time setting: %q", reply)
	}
}

func TestDispatcherPreambleCommands(t *testing.T) {
	f := newDispatcherFixture(t)

	f.send(1, "/add-preamble \\usepackage{tikz}")
	reply := f.out.lastReply()
	if !strings.Contains(reply, "\\usepackage{tikz}") || !strings.Contains(reply, "line number") {
		t.Fatalf("add reply = %q", reply)
	}

	f.send(1, "/show-preamble")
	if !strings.Contains(f.out.lastReply(), "\\usepackage{tikz}") {
		t.Fatalf("show reply = %q", f.out.lastReply())
	}

	f.send(1, "/delete-preamble notanumber")
	if !strings.Contains(f.out.lastReply(), "must be an integer") {
		t.Fatalf("delete reply = %q", f.out.lastReply())
	}

	f.send(1, "/delete-preamble 999")
	if !strings.Contains(f.out.lastReply(), "no line with index 999") {
		t.Fatalf("delete reply = %q", f.out.lastReply())
	}

	f.send(1, "/reset-preamble")
	if !strings.Contains(f.out.lastReply(), "has been reset") {
		t.Fatalf("reset reply = %q", f.out.lastReply())
	}
	f.send(1, "/show-preamble")
	if strings.Contains(f.out.lastReply(), "tikz") {
		t.Fatal("reset did not drop the custom line")
	}
}

func TestDispatcherSetDPIValidation(t *testing.T) {
	f := newDispatcherFixture(t)

	for _, bad := range []string{"/set-dpi", "/set-dpi abc", "/set-dpi 19", "/set-dpi 1201"} {
		f.send(1, bad)
		if !strings.Contains(f.out.lastReply(), "integer in the range [20, 1200]") {
			t.Fatalf("%q reply = %q", bad, f.out.lastReply())
		}
	}

	f.send(1, "/set-dpi 600")
	if !strings.Contains(f.out.lastReply(), "600 DPI") {
		t.Fatalf("reply = %q", f.out.lastReply())
	}
	dpi, err := f.settings.DPI(1)
	if err != nil {
		t.Fatalf("DPI: %v", err)
	}
	if dpi != 600 {
		t.Fatalf("stored dpi = %d, want 600", dpi)
	}
}

func TestDispatcherSetDPIExemptCeiling(t *testing.T) {
	f := newDispatcherFixture(t)
	if err := f.noLimit.SetBool(1, true); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	f.send(1, "/set-dpi 5000")
	if !strings.Contains(f.out.lastReply(), "5000 DPI") {
		t.Fatalf("exempt user rejected: %q", f.out.lastReply())
	}
	f.send(1, "/set-dpi 20000")
	if !strings.Contains(f.out.lastReply(), "integer in the range [20, 10000]") {
		t.Fatalf("reply = %q", f.out.lastReply())
	}
}

func TestDispatcherCaptionFlagCommands(t *testing.T) {
	f := newDispatcherFixture(t)

	f.send(1, "/set-caption-code 1")
	if !strings.Contains(f.out.lastReply(), "will have their code") {
		t.Fatalf("reply = %q", f.out.lastReply())
	}
	on, err := f.settings.CodeInCaption(1)
	if err != nil {
		t.Fatalf("CodeInCaption: %v", err)
	}
	if !on {
		t.Fatal("caption-code flag not stored")
	}

	f.send(1, "/set-render-time 2")
	if !strings.Contains(f.out.lastReply(), "(0 for no) or (1 for yes)") {
		t.Fatalf("reply = %q", f.out.lastReply())
	}
}

func TestDispatcherStatsRequiresManager(t *testing.T) {
	f := newDispatcherFixture(t)

	f.send(1, "/stats")
	if !strings.Contains(f.out.lastReply(), "Unknown command") {
		t.Fatalf("non-manager got stats: %q", f.out.lastReply())
	}

	if err := f.managers.SetBool(2, true); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	if err := f.stats.RecordRender(7, 1.5, false); err != nil {
		t.Fatalf("RecordRender: %v", err)
	}
	f.send(2, "/stats")
	if !strings.Contains(f.out.lastReply(), "by_total_time") {
		t.Fatalf("manager stats reply = %q", f.out.lastReply())
	}
}

func TestDispatcherRenderSuccess(t *testing.T) {
	f := newDispatcherFixture(t)
	f.send(1, "$e^{i\\pi}$")

	if f.out.renderCount() != 1 {
		t.Fatalf("render count = %d, want 1", f.out.renderCount())
	}
	last, err := f.settings.LastRenderTime(1)
	if err != nil {
		t.Fatalf("LastRenderTime: %v", err)
	}
	if last != f.now.Unix() {
		t.Fatalf("last render time = %d, want %d", last, f.now.Unix())
	}
	top, err := f.stats.TopByRenderCount(1)
	if err != nil {
		t.Fatalf("TopByRenderCount: %v", err)
	}
	if len(top) != 1 || top[0].UserID != 1 {
		t.Fatalf("stats missing render record: %+v", top)
	}
}

func TestDispatcherRenderCaption(t *testing.T) {
	f := newDispatcherFixture(t)
	if err := f.settings.SetCodeInCaption(1, true); err != nil {
		t.Fatalf("SetCodeInCaption: %v", err)
	}
	f.send(1, "$x$")
	if f.out.renderCount() != 1 {
		t.Fatalf("render count = %d", f.out.renderCount())
	}
	if got := f.out.captions[0]; got != "$x$" {
		t.Fatalf("caption = %q, want the expression", got)
	}
}

func TestDispatcherRateLimited(t *testing.T) {
	f := newDispatcherFixture(t)
	if err := f.settings.SetLastRenderTime(1, f.now.Add(-6*time.Second).Unix()); err != nil {
		t.Fatalf("SetLastRenderTime: %v", err)
	}
	f.send(1, "$x$")
	if f.out.renderCount() != 0 {
		t.Fatal("rate-limited render went through")
	}
	reply := f.out.lastReply()
	if !strings.Contains(reply, "Please wait another 24 seconds") {
		t.Fatalf("reply = %q", reply)
	}
	// Rate-limited requests leave no trace in the render ledger.
	top, err := f.stats.TopByRenderCount(10)
	if err != nil {
		t.Fatalf("TopByRenderCount: %v", err)
	}
	if len(top) != 0 {
		t.Fatalf("rate-limited request recorded in stats: %+v", top)
	}
}

func TestDispatcherCompileErrorReportedVerbatim(t *testing.T) {
	f := newDispatcherFixture(t)
	f.compiler.fail = &toolExitError{tool: "pdflatex", err: fmt.Errorf("exit status 1")}
	f.compiler.logContent = "junk\n! Undefined control sequence.\nl.4 \\nope\n"

	f.send(1, "\\nope")
	if !strings.Contains(f.out.lastReply(), "! Undefined control sequence.") {
		t.Fatalf("reply = %q", f.out.lastReply())
	}
	// Failed renders never advance the cooldown.
	last, err := f.settings.LastRenderTime(1)
	if err != nil {
		t.Fatalf("LastRenderTime: %v", err)
	}
	if last != 0 {
		t.Fatal("failed render advanced the cooldown stamp")
	}
	top, err := f.stats.TopByErrorCount(1)
	if err != nil {
		t.Fatalf("TopByErrorCount: %v", err)
	}
	if len(top) != 1 || top[0].Value != 1 {
		t.Fatalf("error not counted in stats: %+v", top)
	}
}

func TestDispatcherOperationalErrorGetsReference(t *testing.T) {
	f := newDispatcherFixture(t)
	f.raster.measureErr = &toolExitError{tool: "gs", err: fmt.Errorf("exit status 255")}

	f.send(1, "$x$")
	reply := f.out.lastReply()
	if !strings.Contains(reply, "quote reference") {
		t.Fatalf("reply = %q", reply)
	}
	// The reference in the reply resolves to a stored error record.
	var count int
	if err := f.stats.db.QueryRow("SELECT COUNT(*) FROM render_errors").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("%d error records, want 1", count)
	}
}

func TestDispatcherGroupMentionAndPrefix(t *testing.T) {
	f := newDispatcherFixture(t)
	f.d.HandleEvent(context.Background(), inboundEvent{
		EventID:  "grp-1",
		SenderID: 5,
		PeerID:   100,
		Text:     "[club9|@texpool] /help",
	})
	reply := f.out.lastReply()
	if !strings.HasPrefix(reply, "@id5: ") {
		t.Fatalf("group reply missing sender tag: %q", reply)
	}
	if !strings.Contains(reply, "Command list") {
		t.Fatalf("mention prefix not stripped: %q", reply)
	}
}
