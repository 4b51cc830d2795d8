package tools

import (
	"context"
	"strings"

	"companion-voice/internal/memories"
)

type storeMemoryArgs struct {
	Kind       string  `json:"kind"` // fact | preference | follow_up
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Private    bool    `json:"private"`
}

func (d *Dispatcher) storeMemory(ctx context.Context, inv invocation) (Result, map[string]any) {
	var args storeMemoryArgs
	if err := unmarshalArgs(inv.args, &args); err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that."), nil
	}
	m, err := d.memories.Store(ctx, memories.StoreParams{
		AccountID:  inv.account.ID,
		LineID:     inv.line.ID,
		Kind:       memories.Kind(args.Kind),
		Key:        strings.TrimSpace(args.Key),
		Value:      args.Value,
		Confidence: args.Confidence,
		Source:     "call:" + inv.session.ID,
		Private:    args.Private,
	})
	if err != nil {
		d.log.Warn("store memory failed", "session_id", inv.session.ID, "err", err)
		return fail(codeInvalidArgs, "I couldn't save that."), nil
	}
	return ok("Got it, I'll remember that.", nil), map[string]any{
		"memoryId": m.ID, "kind": string(m.Kind),
	}
}

type updateMemoryArgs struct {
	Query    string `json:"query"` // describes the memory to change
	NewValue string `json:"new_value"`
}

func (d *Dispatcher) updateMemory(ctx context.Context, inv invocation) (Result, map[string]any) {
	var args updateMemoryArgs
	if err := unmarshalArgs(inv.args, &args); err != nil || strings.TrimSpace(args.NewValue) == "" {
		return fail(codeInvalidArgs, "I couldn't make sense of that."), nil
	}
	m, found, err := d.memories.FindMatch(ctx, inv.line.ID, args.Query)
	if err != nil {
		return fail(codeInternal, "Something went wrong."), nil
	}
	if !found {
		return fail(codeNotFound, "I don't have a note like that."), nil
	}
	next, err := d.memories.Update(ctx, m.ID, args.NewValue, m.Private)
	if err != nil {
		return fail(codeInternal, "I couldn't update that just now."), nil
	}
	return ok("Okay, I've updated that.", nil), map[string]any{
		"memoryId": next.ID, "kind": string(next.Kind), "version": next.Version,
	}
}

type memoryQueryArgs struct {
	Query string `json:"query"`
}

func (d *Dispatcher) forgetMemory(ctx context.Context, inv invocation) (Result, map[string]any) {
	var args memoryQueryArgs
	if err := unmarshalArgs(inv.args, &args); err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that."), nil
	}
	m, found, err := d.memories.FindMatch(ctx, inv.line.ID, args.Query)
	if err != nil {
		return fail(codeInternal, "Something went wrong."), nil
	}
	if !found {
		return fail(codeNotFound, "I don't have a note like that to forget."), map[string]any{"matched": false}
	}
	if err := d.memories.Forget(ctx, m.ID); err != nil {
		return fail(codeInternal, "I couldn't forget that just now."), nil
	}
	return ok("Alright, I've forgotten that.", nil), map[string]any{"memoryId": m.ID, "matched": true}
}

func (d *Dispatcher) markPrivate(ctx context.Context, inv invocation) (Result, map[string]any) {
	var args memoryQueryArgs
	if err := unmarshalArgs(inv.args, &args); err != nil {
		return fail(codeInvalidArgs, "I couldn't make sense of that."), nil
	}
	m, found, err := d.memories.FindMatch(ctx, inv.line.ID, args.Query)
	if err != nil {
		return fail(codeInternal, "Something went wrong."), nil
	}
	if !found {
		return fail(codeNotFound, "I don't have a note like that."), map[string]any{"matched": false}
	}
	if err := d.memories.MarkPrivate(ctx, m.ID); err != nil {
		return fail(codeInternal, "I couldn't change that just now."), nil
	}
	return ok("Okay, I'll keep that just between us.", nil), map[string]any{"memoryId": m.ID, "matched": true}
}
