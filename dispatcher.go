package main

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hako/durafmt"
)

// inboundEvent is one delivery from the chat platform, already reduced to
// the fields the core cares about. PeerID equals SenderID for direct
// messages and names the group conversation otherwise.
type inboundEvent struct {
	EventID      string `json:"event_id"`
	SenderID     int64  `json:"sender_id"`
	PeerID       int64  `json:"peer_id"`
	Text         string `json:"text"`
	WantDocument bool   `json:"want_document"`
}

// transport is the outbound half of the delivery integration. The real
// social-API client lives outside this repo; tests and local runs plug in
// their own.
type transport interface {
	Reply(ev inboundEvent, text string) error
	ReplyRender(ev inboundEvent, png, pdf []byte, caption string) error
}

// Group chats prepend a bot mention like "[club123|@texpool] " to the
// message; everything through the mention is noise.
var groupMentionRe = regexp.MustCompile(`\[.*\|.*\] `)

type dispatcher struct {
	dedup     *eventDedup
	gate      *rateGate
	scheduler *renderScheduler
	pipeline  *renderPipeline
	preambles *preambleStore
	settings  *userSettings
	managers  *obfuscatedFlagStore
	noLimit   *obfuscatedFlagStore
	stats     *statsStore
	metrics   *renderMetrics
	out       transport
	now       func() time.Time
}

// reply sends text back to the conversation, tagging the sender in group
// chats so they can find the answer.
func (d *dispatcher) reply(ev inboundEvent, text string) {
	if ev.SenderID != ev.PeerID {
		text = fmt.Sprintf("@id%d: %s", ev.SenderID, text)
	}
	if err := d.out.Reply(ev, text); err != nil {
		logger.Warn("reply failed", "user", ev.SenderID, "error", err)
	}
}

// HandleEvent is the single entry point for a delivery event: dedup first,
// then either the command path (no rate limit) or the render path.
func (d *dispatcher) HandleEvent(ctx context.Context, ev inboundEvent) {
	first, prior, err := d.dedup.CheckAndRecord(ev.EventID, ev)
	if err != nil {
		d.reportOperational(ev, fmt.Sprintf("event dedup: %v", err), "")
		return
	}
	if !first {
		d.metrics.RecordDuplicate()
		age := "an unknown time"
		if !prior.IsZero() {
			age = durafmt.Parse(d.now().Sub(prior).Round(time.Second)).LimitFirstN(2).String()
		}
		d.reply(ev, fmt.Sprintf(
			"We already received this request %s ago and are not repeating it. "+
				"If your request was never answered, please send your message again.", age))
		logger.Info("duplicate event suppressed", "event", ev.EventID, "user", ev.SenderID)
		return
	}

	text := ev.Text
	if loc := groupMentionRe.FindStringIndex(text); loc != nil {
		text = text[loc[1]:]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		d.reply(ev, "Your message did not contain text, but it is required.")
		return
	}

	if strings.HasPrefix(text, "/") {
		d.metrics.RecordCommand()
		d.handleCommand(ev, text)
		return
	}
	d.handleRender(ctx, ev, text)
}

func (d *dispatcher) handleCommand(ev inboundEvent, text string) {
	parts := strings.Fields(text[1:])
	if len(parts) == 0 {
		d.reply(ev, `Empty command, for a command list type "/help".`)
		return
	}
	name, args := parts[0], parts[1:]

	var answer string
	var err error
	switch name {
	case "help":
		answer, err = d.cmdHelp(ev.SenderID)
	case "show-preamble":
		answer, err = d.cmdShowPreamble(ev.SenderID)
	case "add-preamble":
		answer, err = d.cmdAddPreamble(ev.SenderID, args)
	case "delete-preamble":
		answer, err = d.cmdDeletePreamble(ev.SenderID, args)
	case "reset-preamble":
		answer, err = d.cmdResetPreamble(ev.SenderID)
	case "set-dpi":
		answer, err = d.cmdSetDPI(ev.SenderID, args)
	case "set-caption-code":
		answer, err = d.cmdSetCaptionFlag(ev.SenderID, args, settingKeyCodeInCaption)
	case "set-render-time":
		answer, err = d.cmdSetCaptionFlag(ev.SenderID, args, settingKeyTimeInCaption)
	case "stats":
		answer, err = d.cmdStats(ev.SenderID, args)
	default:
		answer = fmt.Sprintf("Unknown command %q, for a command list type \"/help\".", name)
	}
	if err != nil {
		d.reportOperational(ev, fmt.Sprintf("command /%s: %v", name, err), text)
		return
	}
	if answer != "" {
		d.reply(ev, answer)
	}
}

func (d *dispatcher) cmdHelp(userID int64) (string, error) {
	dpi, err := d.settings.DPI(userID)
	if err != nil {
		return "", err
	}
	cic, err := d.settings.CodeInCaption(userID)
	if err != nil {
		return "", err
	}
	tic, err := d.settings.TimeInCaption(userID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`Command list, values in <brackets> are required parameters:
/help -- this help

Preamble commands:
/reset-preamble -- restore your custom preamble to the default -- use this if you get render errors on valid code
/show-preamble -- show your custom preamble
/add-preamble <line> -- add a line to the end of your custom preamble
/delete-preamble <line-index> -- remove a line by its index from your custom preamble

Settings commands (current settings are in <brackets>):
/set-caption-code <%d> -- do you want to have the expression code in the message caption?
/set-render-time <%d> -- do you want the render time in the message caption?
/set-dpi <%d> -- set image resolution, higher is better`,
		boolTo01(cic), boolTo01(tic), dpi), nil
}

func (d *dispatcher) cmdShowPreamble(userID int64) (string, error) {
	lines, err := d.preambles.GetAsList(userID, true)
	if err != nil {
		return "", err
	}
	stripped := stripEmptyLines(lines)
	var b strings.Builder
	b.WriteString("Your preamble:\n\n")
	for i, line := range stripped {
		fmt.Fprintf(&b, "%d. %s\n", i, line)
	}
	if len(stripped) <= 1 {
		b.WriteString("\nYour custom preamble only contains one line. If you delete it, your preamble will be reset to the default.")
	}
	return b.String(), nil
}

func (d *dispatcher) cmdAddPreamble(userID int64, args []string) (string, error) {
	line := strings.Join(args, " ")
	if line == "" {
		return "Please provide the line to add.", nil
	}
	index, err := d.preambles.Insert(userID, line)
	if err == errPreambleCapacity {
		return fmt.Sprintf("Your preamble is full (%d lines max), delete something first.", preambleSlotCount), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Added %q to your preamble as line number %d.", line, index), nil
}

func (d *dispatcher) cmdDeletePreamble(userID int64, args []string) (string, error) {
	if len(args) != 1 {
		return "Please provide the line index to delete.", nil
	}
	index, convErr := strconv.Atoi(args[0])
	if convErr != nil {
		return "The line index must be an integer.", nil
	}
	removed, err := d.preambles.Delete(userID, index)
	if err == errPreambleIndex {
		return fmt.Sprintf("There is no line with index %d, check /show-preamble", index), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Line with index %d was removed. It was: %q", index, removed), nil
}

func (d *dispatcher) cmdResetPreamble(userID int64) (string, error) {
	if err := d.preambles.SetList(userID, defaultPreambleLines()); err != nil {
		return "", err
	}
	return "Your custom preamble has been reset.", nil
}

// maxDPIFor resolves the user's DPI ceiling; exemption holders get the
// extended range.
func (d *dispatcher) maxDPIFor(userID int64) (int, error) {
	exempt, err := d.noLimit.GetBool(userID)
	if err != nil {
		return 0, err
	}
	if exempt {
		return maxDPIExempt, nil
	}
	return maxDPI, nil
}

func (d *dispatcher) cmdSetDPI(userID int64, args []string) (string, error) {
	ceiling, err := d.maxDPIFor(userID)
	if err != nil {
		return "", err
	}
	rangeMsg := fmt.Sprintf("Please provide an integer in the range [%d, %d].", minDPI, ceiling)
	if len(args) != 1 {
		return rangeMsg, nil
	}
	dpi, convErr := strconv.Atoi(args[0])
	if convErr != nil || dpi < minDPI || dpi > ceiling {
		return rangeMsg, nil
	}
	if err := d.settings.SetDPI(userID, dpi); err != nil {
		return "", err
	}
	return fmt.Sprintf("Image resolution set to %d DPI.", dpi), nil
}

func (d *dispatcher) cmdSetCaptionFlag(userID int64, args []string, key string) (string, error) {
	if len(args) != 1 || (args[0] != "0" && args[0] != "1") {
		return "Please provide a (0 for no) or (1 for yes) as parameter.", nil
	}
	enabled := args[0] == "1"

	var what string
	var err error
	switch key {
	case settingKeyCodeInCaption:
		what = "their code"
		err = d.settings.SetCodeInCaption(userID, enabled)
	case settingKeyTimeInCaption:
		what = "the render time"
		err = d.settings.SetTimeInCaption(userID, enabled)
	}
	if err != nil {
		return "", err
	}
	negation := ""
	if !enabled {
		negation = "not "
	}
	return fmt.Sprintf("The next renders made for you will %shave %s as part of the image caption.", negation, what), nil
}

// cmdStats is operator-only: holders of the manager flag get the JSON
// leaderboards over the trailing stats window.
func (d *dispatcher) cmdStats(userID int64, args []string) (string, error) {
	isManager, err := d.managers.GetBool(userID)
	if err != nil {
		return "", err
	}
	if !isManager {
		return `Unknown command "stats", for a command list type "/help".`, nil
	}
	limit := 10
	if len(args) == 1 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			limit = n
		}
	}
	report, err := d.stats.TopReportJSON(limit)
	if err != nil {
		return "", err
	}
	return string(report), nil
}

func (d *dispatcher) handleRender(ctx context.Context, ev inboundEvent, expression string) {
	allowed, wait, err := d.gate.Allow(ev.SenderID, d.now())
	if err != nil {
		d.reportOperational(ev, fmt.Sprintf("rate gate: %v", err), expression)
		return
	}
	if !allowed {
		d.metrics.RecordRateLimited()
		d.reply(ev, fmt.Sprintf("Please wait another %s before requesting the next render.", formatWait(wait)))
		return
	}

	if err := d.scheduler.Submit(ctx, func() {
		d.runRender(ctx, ev, expression)
	}); err != nil {
		logger.Warn("render submit rejected", "user", ev.SenderID, "error", err)
		d.reply(ev, "The service is shutting down, please try again later.")
	}
}

// runRender executes one render job on a scheduler slot and reports the
// outcome. Render failures of any kind count as an error occurrence in the
// stats ledger; only the successful path advances the cooldown stamp.
func (d *dispatcher) runRender(ctx context.Context, ev inboundEvent, expression string) {
	sessionID := uuid.NewString()
	start := d.now()
	result, err := d.pipeline.Render(ctx, expression, ev.SenderID, sessionID, ev.WantDocument)
	elapsed := d.now().Sub(start)

	if err != nil {
		if statsErr := d.stats.RecordRender(ev.SenderID, elapsed.Seconds(), true); statsErr != nil {
			logger.Warn("record render stats failed", "user", ev.SenderID, "error", statsErr)
		}
		reason := "unclassified"
		if re, ok := asRenderError(err); ok {
			reason = re.kindLabel()
		}
		d.metrics.RecordRender(false, reason)
		d.metrics.TrackSlowRender(ev.SenderID, elapsed, true, start)
		if re, ok := asRenderError(err); ok && re.userCorrectable() {
			d.reply(ev, re.Error())
			return
		}
		d.reportOperational(ev, fmt.Sprintf("render session %s: %v", sessionID, err), expression)
		return
	}

	caption, err := d.buildCaption(ev.SenderID, expression, elapsed)
	if err != nil {
		logger.Warn("caption build failed", "user", ev.SenderID, "error", err)
	}
	if err := d.out.ReplyRender(ev, result.png, result.pdf, caption); err != nil {
		d.reportOperational(ev, fmt.Sprintf("deliver render: %v", err), expression)
		return
	}
	if err := d.gate.RecordRender(ev.SenderID, d.now()); err != nil {
		logger.Warn("record render time failed", "user", ev.SenderID, "error", err)
	}
	if err := d.stats.RecordRender(ev.SenderID, elapsed.Seconds(), false); err != nil {
		logger.Warn("record render stats failed", "user", ev.SenderID, "error", err)
	}
	d.metrics.RecordRender(true, "")
	d.metrics.TrackSlowRender(ev.SenderID, elapsed, false, start)
}

func (d *dispatcher) buildCaption(userID int64, expression string, elapsed time.Duration) (string, error) {
	var parts []string
	cic, err := d.settings.CodeInCaption(userID)
	if err != nil {
		return "", err
	}
	if cic {
		parts = append(parts, expression)
	}
	tic, err := d.settings.TimeInCaption(userID)
	if err != nil {
		return "", err
	}
	if tic {
		parts = append(parts, "rendered in "+durafmt.Parse(elapsed.Round(time.Millisecond)).LimitFirstN(2).String())
	}
	return strings.Join(parts, "\n"), nil
}

// reportOperational persists the failure under an opaque id and tells the
// user something went wrong without leaking the trace.
func (d *dispatcher) reportOperational(ev inboundEvent, trace, causedBy string) {
	logger.Error("operational failure", "user", ev.SenderID, "trace", trace)
	id, err := d.stats.RecordError(trace, ev.SenderID, causedBy)
	if err != nil {
		logger.Error("record error failed", "error", err)
		d.reply(ev, "Something went wrong on our side. Please try again later.")
		return
	}
	d.reply(ev, fmt.Sprintf("Something went wrong on our side. If this keeps happening, quote reference %s to the operators.", id))
}

func boolTo01(b bool) int {
	if b {
		return 1
	}
	return 0
}
