package orchestrator

import (
	"context"
	"strings"
	"time"

	"familyhub/internal/agents"
	"familyhub/internal/failure"
	"familyhub/internal/models"
	"familyhub/internal/recovery"
)

// input tracks one request across its first run and a replay
type input struct {
	sessionID string
	text      string
	audio     []byte
	metadata  map[string]interface{}

	replay     bool
	userStored bool
}

// ProcessInput runs text through the session's current or routed agent. The
// input is queued at call time, so inputs of one session are handled in
// arrival order. Failures arrive as error events on the returned stream.
func (o *Orchestrator) ProcessInput(ctx context.Context, sessionID, text string, metadata map[string]interface{}) <-chan models.Event {
	p := newPump(ctx, o.backlog)
	in := &input{sessionID: sessionID, text: text, metadata: metadata}
	err := o.enqueue("process_input", sessionID, func() {
		defer p.close()
		o.processText(context.WithoutCancel(ctx), p, in)
	})
	if err != nil {
		o.emit(p, models.ErrorEvent(sessionID, err))
		p.close()
	}
	return p.out
}

// ProcessVoiceInput transcribes audio with the voice agent and answers it
func (o *Orchestrator) ProcessVoiceInput(ctx context.Context, sessionID string, audio []byte, metadata map[string]interface{}) <-chan models.Event {
	p := newPump(ctx, o.backlog)
	in := &input{sessionID: sessionID, audio: audio, metadata: metadata}
	err := o.enqueue("process_voice_input", sessionID, func() {
		defer p.close()
		o.processVoice(context.WithoutCancel(ctx), p, in)
	})
	if err != nil {
		o.emit(p, models.ErrorEvent(sessionID, err))
		p.close()
	}
	return p.out
}

func (o *Orchestrator) processText(ctx context.Context, p *pump, in *input) {
	start := time.Now()
	agent, err := o.handleText(ctx, p, in)
	if err == nil {
		o.metrics.RecordInput(string(agent), time.Since(start).Seconds())
		return
	}
	o.fail(ctx, p, in, err, func() error {
		_, rerr := o.handleText(ctx, p, in)
		return rerr
	})
}

func (o *Orchestrator) handleText(ctx context.Context, p *pump, in *input) (models.AgentType, error) {
	sess, err := o.admit(in, agents.CapabilityChat)
	if err != nil {
		return "", err
	}
	history := o.history(ctx, sess)
	if in.userStored {
		history = withoutPendingTurn(history, in.text)
	}

	if !in.userStored {
		if err := o.storeTurn(ctx, sess, models.TurnUser, in.text, sess.CurrentAgent, in.metadata); err != nil {
			return "", err
		}
		in.userStored = true
	}

	target := permittedAgent(&sess.User, RouteRequest(in.text, &sess.User), sess.CurrentAgent)
	if sess, err = o.switchTo(ctx, p, sess, target); err != nil {
		return "", err
	}
	agent, ok := o.agents.Get(target)
	if !ok {
		return target, failure.New(failure.CategoryAgentExecution, failure.SeverityHigh, "process_input", "no agent registered for "+string(target), nil)
	}

	answer, err := o.relay(p, target, agent.HandleRequest(ctx, agents.Request{
		Session:  sess,
		Text:     in.text,
		Metadata: in.metadata,
		History:  history,
	}), nil)
	if err != nil {
		return target, err
	}
	o.finish(ctx, p, sess, target, answer, in.replay)
	return target, nil
}

func (o *Orchestrator) processVoice(ctx context.Context, p *pump, in *input) {
	sess, ok := o.lookup(in.sessionID)
	if !ok {
		p.push(models.ErrorEvent(in.sessionID, failure.NotFound("process_voice_input", in.sessionID)))
		return
	}
	if !sess.VoiceEnabled {
		o.emit(p, models.ErrorEvent(in.sessionID, failure.Fatal(failure.CategoryVoiceProcessing, failure.SeverityMedium,
			"process_voice_input", "voice is not enabled for this session", nil)))
		return
	}

	start := time.Now()
	err := o.handleVoice(ctx, p, in)
	if err == nil {
		o.metrics.RecordInput(string(models.AgentVoice), time.Since(start).Seconds())
		return
	}
	if failure.CategoryOf(err) == failure.CategoryVoiceProcessing {
		o.recoverVoice(ctx, p, in, err)
		return
	}
	o.fail(ctx, p, in, err, func() error { return o.handleVoice(ctx, p, in) })
}

func (o *Orchestrator) handleVoice(ctx context.Context, p *pump, in *input) error {
	sess, err := o.admit(in, agents.CapabilityVoice)
	if err != nil {
		return err
	}
	if !sess.User.Can(agents.CapabilityFor(models.AgentVoice)) {
		return failure.SecurityDenied("process_voice_input", "missing capability "+agents.CapabilityFor(models.AgentVoice))
	}
	history := o.history(ctx, sess)
	if in.userStored {
		history = withoutPendingTurn(history, in.text)
	}

	if sess, err = o.switchTo(ctx, p, sess, models.AgentVoice); err != nil {
		return err
	}
	agent, _ := o.agents.Get(models.AgentVoice)

	req := agents.Request{Session: sess, Metadata: in.metadata, History: history}
	if in.userStored {
		// replay after recovery: the transcript is already stored
		req.Text = in.text
	} else {
		req.Audio = in.audio
		req.MimeType, _ = in.metadata["mime_type"].(string)
	}

	var storeErr error
	answer, err := o.relay(p, models.AgentVoice, agent.HandleRequest(ctx, req), func(ev models.Event) {
		if ev.Type != models.EventTranscript || in.userStored || storeErr != nil {
			return
		}
		in.text = ev.Content
		meta := map[string]interface{}{"source": "voice"}
		for k, v := range in.metadata {
			meta[k] = v
		}
		if storeErr = o.storeTurn(ctx, sess, models.TurnUser, ev.Content, models.AgentVoice, meta); storeErr == nil {
			in.userStored = true
		}
	})
	if err != nil {
		return err
	}
	if storeErr != nil {
		return storeErr
	}
	o.finish(ctx, p, sess, models.AgentVoice, answer, in.replay)
	return nil
}

// recoverVoice answers a failed voice input with the text fallback or a notice
func (o *Orchestrator) recoverVoice(ctx context.Context, p *pump, in *input, cause error) {
	fallback, _ := in.metadata["text"].(string)
	fallback = strings.TrimSpace(fallback)
	res := o.recovery.Voice.Recover(in.sessionID, fallback, cause)

	ev := models.NewEvent(models.EventVoiceNotice, in.sessionID)
	ev.Agent = models.AgentVoice
	ev.Content = res.Message
	ev.Data = map[string]interface{}{
		"mode":              res.Mode,
		"operation_id":      res.OperationID,
		"suggested_actions": res.SuggestedActions,
	}
	if res.Mode == recovery.VoiceTextFallback {
		ev.Content = "voice unavailable, answering the text instead"
	}
	o.emit(p, ev)

	if res.Mode != recovery.VoiceTextFallback {
		return
	}
	text := &input{sessionID: in.sessionID, text: fallback, metadata: in.metadata, replay: true}
	o.processText(ctx, p, text)
}

// admit runs the checks every input passes before reaching an agent
func (o *Orchestrator) admit(in *input, capability string) (*models.Session, error) {
	sess, ok := o.lookup(in.sessionID)
	if !ok {
		return nil, failure.NotFound("process_input", in.sessionID)
	}
	if err := authorizeInput(&sess.User, capability); err != nil {
		return nil, err
	}
	if !in.replay && !o.resources.Allow(in.sessionID) {
		o.metrics.RecordRateLimited()
		return nil, failure.Fatal(failure.CategoryResourceManagement, failure.SeverityMedium, "process_input", "input rate limit exceeded", nil)
	}

	o.resources.TouchSession(in.sessionID)
	sess, ok = o.update(in.sessionID, func(s *models.Session) {
		s.State = models.SessionActive
		s.LastActivity = time.Now()
	})
	if !ok {
		return nil, failure.NotFound("process_input", in.sessionID)
	}
	return sess, nil
}

// history loads recent turns. A failing memory layer leaves the agent
// without history rather than failing the input.
func (o *Orchestrator) history(ctx context.Context, sess *models.Session) []models.ConversationTurn {
	turns, err := o.memory.GetConversationHistory(ctx, sess.ID, sess.UserID, o.historyLimit)
	if err != nil {
		log.WithError(err).WithField("session_id", sess.ID).Warn("⚠️  [ORCHESTRATOR] Conversation history unavailable")
		return nil
	}
	return turns
}

// withoutPendingTurn drops the stored user turn of the input being replayed;
// the agent receives it as the request text.
func withoutPendingTurn(history []models.ConversationTurn, text string) []models.ConversationTurn {
	if n := len(history); n > 0 && history[n-1].Role == models.TurnUser && history[n-1].Content == text {
		return history[:n-1]
	}
	return history
}

func (o *Orchestrator) storeTurn(ctx context.Context, sess *models.Session, role models.TurnRole, content string, agent models.AgentType, metadata map[string]interface{}) error {
	stored, err := o.memory.StoreConversationTurn(ctx, models.ConversationTurn{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Role:      role,
		Content:   content,
		AgentType: agent,
		Metadata:  metadata,
	})
	if err != nil {
		return err
	}
	o.update(sess.ID, func(s *models.Session) { s.Turns = append(s.Turns, *stored) })
	return nil
}

// switchTo makes target the current agent, announcing the change
func (o *Orchestrator) switchTo(ctx context.Context, p *pump, sess *models.Session, target models.AgentType) (*models.Session, error) {
	if target == sess.CurrentAgent {
		return sess, nil
	}
	from := sess.CurrentAgent
	updated, ok := o.update(sess.ID, func(s *models.Session) { s.SwitchAgent(target) })
	if !ok {
		return nil, failure.NotFound("process_input", sess.ID)
	}
	o.persistSnapshot(ctx, sess.ID)
	o.metrics.RecordAgentSwitch(string(target))
	o.emit(p, models.AgentSwitchEvent(sess.ID, from, target))
	log.WithFields(map[string]interface{}{
		"session_id": sess.ID,
		"from":       from,
		"to":         target,
	}).Info("🔀 [ORCHESTRATOR] Agent switched")
	return updated, nil
}

// relay forwards agent events and collects the answer text. An error event
// stops forwarding and is returned as a failure for the recovery path.
func (o *Orchestrator) relay(p *pump, agent models.AgentType, events <-chan models.Event, observe func(models.Event)) (string, error) {
	var answer strings.Builder
	var failed error
	for ev := range events {
		if failed != nil {
			continue
		}
		if ev.IsError() {
			failed = errorFromEvent(agent, ev)
			continue
		}
		if ev.Agent == "" && ev.Type != models.EventRecovery {
			ev.Agent = agent
		}
		if ev.Type == models.EventToken {
			answer.WriteString(ev.Content)
		}
		if observe != nil {
			observe(ev)
		}
		o.emit(p, ev)
	}
	return strings.TrimSpace(answer.String()), failed
}

// finish stores the answer and closes the turn with a complete event
func (o *Orchestrator) finish(ctx context.Context, p *pump, sess *models.Session, agent models.AgentType, answer string, replayed bool) {
	if answer != "" {
		if err := o.storeTurn(ctx, sess, models.TurnAssistant, answer, agent, nil); err != nil {
			log.WithError(err).WithField("session_id", sess.ID).Warn("⚠️  [ORCHESTRATOR] Failed to store assistant turn")
		}
	}
	ev := models.NewEvent(models.EventComplete, sess.ID)
	ev.Agent = agent
	ev.Data = map[string]interface{}{"replayed": replayed}
	o.emit(p, ev)
}

// fail surfaces err. Recoverable failures go through comprehensive recovery
// first and the input is replayed once if recovery succeeds.
func (o *Orchestrator) fail(ctx context.Context, p *pump, in *input, err error, replay func() error) {
	sid := in.sessionID
	o.metrics.RecordInputError(string(failure.CategoryOf(err)))

	if failure.IsSecurity(err) {
		sess, _ := o.lookup(sid)
		rec := AuditRecord{Action: AuditAccessDenied, SessionID: sid, Details: map[string]interface{}{"reason": err.Error()}}
		if sess != nil {
			rec.UserID = sess.UserID
			rec.Agent = sess.CurrentAgent
		}
		o.audit.record(ctx, rec)
	}
	if in.replay || !failure.IsRecoverable(err) {
		o.emit(p, models.ErrorEvent(sid, err))
		return
	}

	voiceEnabled := false
	if sess, ok := o.lookup(sid); ok {
		voiceEnabled = sess.VoiceEnabled
	}
	fallback, _ := in.metadata["text"].(string)
	res := o.recovery.Comprehensive(ctx, recovery.ComprehensiveRequest{
		SessionID:    sid,
		Cause:        err,
		VoiceEnabled: voiceEnabled,
		TextFallback: fallback,
	})
	o.emit(p, recoveryEvent(sid, res))

	if res.Success {
		in.replay = true
		rerr := replay()
		if rerr == nil {
			return
		}
		log.WithError(rerr).WithField("session_id", sid).Warn("❌ [ORCHESTRATOR] Replay after recovery failed")
		o.emit(p, models.ErrorEvent(sid, rerr))
		return
	}

	o.emit(p, models.ErrorEvent(sid, err))
	if res.SessionFailed() {
		o.reset(ctx, p, sid, res)
	}
}

// reset force-closes a session whose state could not be recovered. The
// notice goes out while the session is still live so attached transports
// receive it before cleanup drops them.
func (o *Orchestrator) reset(ctx context.Context, p *pump, sessionID string, res recovery.ComprehensiveResult) {
	ev := models.NewEvent(models.EventSessionReset, sessionID)
	ev.Content = "the session could not be recovered and was reset"
	ev.Data = map[string]interface{}{
		"operation_id": res.OperationID,
		"next_steps":   res.NextSteps,
	}
	o.emit(p, ev)
	o.cleanup(ctx, sessionID, AuditSessionReset)
}

func recoveryEvent(sessionID string, res recovery.ComprehensiveResult) models.Event {
	ev := models.NewEvent(models.EventRecovery, sessionID)
	ev.Data = map[string]interface{}{
		"strategy":     "comprehensive",
		"operation_id": res.OperationID,
		"success":      res.Success,
		"warnings":     res.Warnings,
		"next_steps":   res.NextSteps,
	}
	return ev
}

// errorFromEvent turns an agent's error event back into a failure
func errorFromEvent(agent models.AgentType, ev models.Event) error {
	if ev.Error == nil {
		return failure.New(failure.CategoryAgentExecution, failure.SeverityMedium, "agent."+string(agent), ev.Content, nil)
	}
	cat := failure.Category(ev.Error.Category)
	msg := strings.TrimPrefix(ev.Error.Message, "["+ev.Error.Category+"] ")
	return &failure.Error{
		Category:    cat,
		Severity:    failure.Severity(ev.Error.Severity),
		Recoverable: ev.Error.Recoverable && cat != failure.CategorySecurityValidation,
		Message:     msg,
	}
}
