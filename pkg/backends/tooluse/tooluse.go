// Package tooluse implements tool-mediated generation on top of any backend that
// supports JSON-schema constrained decoding.
//
// The model first picks a tool (or respondToUser) with a decode constrained to the
// decision schema. A picked tool is dispatched and its decision returned. For
// respondToUser the original messages, without the tools prompt, are replayed as an
// ordinary generation so that the reply reflects the user-facing prompt only.
package tooluse

import (
	"context"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/go-go-golems/enochian/pkg/tools"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func selectionOptions(opts *backends.GenOptions) (*backends.GenOptions, error) {
	schema, err := tools.DecisionSchemaJSON(opts.Tools)
	if err != nil {
		return nil, err
	}
	ret := opts.Clone()
	ret.Tools = nil
	ret.Stream = false
	ret.RequestID = ""
	ret.Sampling.JSONSchema = schema
	ret.Sampling.Regex = ""
	return ret, nil
}

func replyOptions(opts *backends.GenOptions, stream bool) *backends.GenOptions {
	ret := opts.Clone()
	ret.Tools = nil
	ret.Stream = stream
	ret.RequestID = ""
	return ret
}

// Select asks the backend to pick a tool.
func Select(
	ctx context.Context,
	b backends.Backend,
	msgs conversation.Conversation,
	opts *backends.GenOptions,
) (*tools.Selection, *backends.Result, error) {
	selectOpts, err := selectionOptions(opts)
	if err != nil {
		return nil, nil, err
	}
	res, err := b.Generate(ctx, tools.InjectToolsPrompt(msgs, opts.Tools), selectOpts)
	if err != nil {
		return nil, nil, errors.Wrap(err, "tool selection failed")
	}
	sel, err := tools.ParseSelection(res.Text)
	if err != nil {
		return nil, nil, errors.Wrap(backends.ErrProtocol, err.Error())
	}
	log.Debug().Str("backend", b.Name()).Str("tool", sel.ToolName).Msg("model selected tool")
	return sel, res, nil
}

func decisionResult(base *backends.Result, decision tools.Decision) (*backends.Result, error) {
	text, err := tools.EncodeDecisions([]tools.Decision{decision})
	if err != nil {
		return nil, err
	}
	ret := base.Clone()
	ret.Text = text
	ret.ToolDecisions = []tools.Decision{decision}
	return ret, nil
}

// Generate runs a non-streaming tool-mediated generation.
func Generate(
	ctx context.Context,
	b backends.Backend,
	msgs conversation.Conversation,
	opts *backends.GenOptions,
) (*backends.Result, error) {
	sel, selection, err := Select(ctx, b, msgs, opts)
	if err != nil {
		return nil, err
	}

	if sel.ToolName == tools.RespondToUser {
		reply, err := b.Generate(ctx, msgs, replyOptions(opts, false))
		if err != nil {
			return nil, err
		}
		ret, err := decisionResult(reply, tools.Decision{ToolUsed: tools.RespondToUser, Response: reply.Text})
		if err != nil {
			return nil, err
		}
		backends.SumUsage(ret, selection)
		return ret, nil
	}

	decision, err := tools.Dispatch(ctx, opts.Tools, sel)
	if err != nil {
		return nil, err
	}
	return decisionResult(selection, decision)
}

// Stream runs a streaming tool-mediated generation. A tool call resolves to a
// single delta carrying the decision; respondToUser streams the reply itself and
// attaches the decision to the final result.
func Stream(
	ctx context.Context,
	b backends.Backend,
	msgs conversation.Conversation,
	opts *backends.GenOptions,
) (*backends.Stream, error) {
	sel, selection, err := Select(ctx, b, msgs, opts)
	if err != nil {
		return nil, err
	}

	if sel.ToolName != tools.RespondToUser {
		decision, err := tools.Dispatch(ctx, opts.Tools, sel)
		if err != nil {
			return nil, err
		}
		ret, err := decisionResult(selection, decision)
		if err != nil {
			return nil, err
		}
		return backends.NewResultStream(ret), nil
	}

	inner, err := b.Stream(ctx, msgs, replyOptions(opts, true))
	if err != nil {
		return nil, err
	}
	return backends.NewStream(inner.Recv,
		backends.WithCloser(inner.Close),
		backends.WithFinisher(func(r *backends.Result) (*backends.Result, error) {
			r.ToolDecisions = []tools.Decision{{ToolUsed: tools.RespondToUser, Response: r.Text}}
			if r.MetaInfo != nil {
				m := *r.MetaInfo
				r.MetaInfo = &m
			}
			backends.SumUsage(r, selection)
			return r, nil
		}),
	), nil
}
