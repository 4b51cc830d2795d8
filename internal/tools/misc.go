package tools

import (
	"context"
	"errors"

	"companion-voice/internal/calls"
	"companion-voice/internal/insights"
	"companion-voice/internal/safety"
	"companion-voice/internal/sanitize"
)

type safetyConcernArgs struct {
	Tier        string `json:"tier"` // low | medium | high
	Description string `json:"description"`
}

func (d *Dispatcher) logSafetyConcern(ctx context.Context, inv invocation) (Result, map[string]any) {
	var args safetyConcernArgs
	if err := unmarshalArgs(inv.args, &args); err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that."), nil
	}
	tier := safety.Tier(args.Tier)
	if !safety.ValidTier(tier) {
		return fail(codeInvalidArgs, "That isn't a recognized concern level."), nil
	}

	state := d.safety.Get(inv.session.ID)
	notify := state.Record(safety.SourceModel, tier)

	action := "recorded"
	if notify {
		action = "notified"
		if d.notifier != nil && inv.account.TrustedContactConsent {
			// Delivery must not block the call.
			go d.notifier.NotifyHighTier(context.WithoutCancel(ctx),
				inv.account.ID, inv.line.ID, inv.session.ID)
		} else {
			action = "recorded_no_consent"
		}
	}

	d.calls.RecordEvent(ctx, inv.session.ID, sanitize.EventSafetyTier, map[string]any{
		"tier":         string(tier),
		"source":       string(safety.SourceModel),
		"action_taken": action,
		"description":  args.Description, // stripped by the sanitizer
	}, calls.RecordOpts{})

	return ok("Thank you for telling me.", nil), map[string]any{
		"tier": string(tier), "source": string(safety.SourceModel), "notified": action == "notified",
	}
}

type overageArgs struct {
	Action string `json:"action"` // continue | end
}

func (d *Dispatcher) chooseOverageAction(ctx context.Context, inv invocation) (Result, map[string]any) {
	var args overageArgs
	if err := unmarshalArgs(inv.args, &args); err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that."), nil
	}
	switch args.Action {
	case "continue":
		if !inv.account.OverageAllowed {
			return fail(codeNotPermitted, "This plan can't continue past its included minutes."), nil
		}
		if inv.account.SpendingCapReached() {
			return fail(codeNotPermitted, "The spending limit on this account has been reached."), nil
		}
		return ok("Alright, we'll keep talking.", nil), map[string]any{"action": "continue"}
	case "end":
		return ok("Okay, let's wrap up for now.", map[string]any{"end_call": true}), map[string]any{"action": "end"}
	default:
		return fail(codeInvalidArgs, "I can either keep going or wrap up."), nil
	}
}

func (d *Dispatcher) requestUpgrade(ctx context.Context, inv invocation) (Result, map[string]any) {
	if d.upgrades == nil {
		return fail(codeInternal, "I can't set that up right now."), nil
	}
	delivery, err := d.upgrades.SendUpgradeLink(ctx, inv.account)
	if err != nil {
		d.log.Error("upgrade link failed", "account_id", inv.account.ID, "err", err)
		return fail(codeInternal, "I couldn't send the upgrade link just now."), nil
	}
	spoken := "I've sent an upgrade link to the family email on file."
	if delivery == "sms" {
		spoken = "I've texted an upgrade link to the family phone on file."
	}
	return ok(spoken, nil), map[string]any{"planId": inv.account.PlanID, "delivery": delivery}
}

type insightsArgs struct {
	Mood            float64                  `json:"mood"`
	Engagement      float64                  `json:"engagement"`
	SocialNeed      float64                  `json:"social_need"`
	Topics          []insights.WeightedTopic `json:"topics"`
	Concerns        []insights.Concern       `json:"concerns"`
	FollowUp        bool                     `json:"follow_up"`
	FollowUpReasons []string                 `json:"follow_up_reasons"`
	Confidence      float64                  `json:"confidence"`
	PrivateTopics   []string                 `json:"private_topics"`
}

func (d *Dispatcher) logCallInsights(ctx context.Context, inv invocation) (Result, map[string]any) {
	if !inv.account.InsightsEnabled {
		return fail(codeNotPermitted, "Insights are turned off for this account."), nil
	}
	if inv.session.TestCall {
		return fail("test_call", "Test calls are not summarized."), nil
	}
	var args insightsArgs
	if err := unmarshalArgs(inv.args, &args); err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that."), nil
	}

	if inv.session.ConnectedAt == nil ||
		d.clock().UTC().Sub(*inv.session.ConnectedAt) < d.cfg.MinInsightsCallDuration {
		return fail("call_too_short", "This call is too short to summarize."), nil
	}

	in, err := d.insights.Log(ctx, insights.Insights{
		SessionID:       inv.session.ID,
		AccountID:       inv.account.ID,
		LineID:          inv.line.ID,
		Mood:            args.Mood,
		Engagement:      args.Engagement,
		SocialNeed:      args.SocialNeed,
		Topics:          args.Topics,
		Concerns:        args.Concerns,
		FollowUp:        args.FollowUp,
		FollowUpReasons: args.FollowUpReasons,
		Confidence:      args.Confidence,
	}, args.PrivateTopics)
	if err != nil {
		if errors.Is(err, insights.ErrDuplicate) {
			return fail("already_logged", "I've already noted this call."), nil
		}
		d.log.Error("log insights failed", "session_id", inv.session.ID, "err", err)
		return fail(codeInternal, "I couldn't note that just now."), nil
	}
	return ok("", nil), map[string]any{"insightsId": in.ID, "followUp": in.FollowUp}
}
