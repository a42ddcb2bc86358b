package cmds

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-go-golems/enochian/pkg/tokens"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type TokensSettings struct {
	Model    string `glazed.parameter:"model"`
	Encoding string `glazed.parameter:"encoding"`
	Input    string `glazed.parameter:"input"`
}

func (s *TokensSettings) counter() (*tokens.Counter, error) {
	if s.Encoding != "" {
		return tokens.NewCounterForEncoding(s.Encoding)
	}
	return tokens.NewCounter(s.Model)
}

func tokenizerFlags() cmds.CommandDescriptionOption {
	return cmds.WithFlags(
		parameters.NewParameterDefinition(
			"model",
			parameters.ParameterTypeString,
			parameters.WithHelp("Model whose tokenizer is used"),
			parameters.WithDefault("gpt-4"),
		),
		parameters.NewParameterDefinition(
			"encoding",
			parameters.ParameterTypeString,
			parameters.WithHelp("Encoding to use instead of the model's"),
		),
	)
}

func inputArgument() cmds.CommandDescriptionOption {
	return cmds.WithArguments(
		parameters.NewParameterDefinition(
			"input",
			parameters.ParameterTypeStringFromFiles,
			parameters.WithHelp("Input files, - for stdin"),
			parameters.WithRequired(true),
		),
	)
}

type CountCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*CountCommand)(nil)

func NewCountCommand() (*CountCommand, error) {
	return &CountCommand{
		CommandDescription: cmds.NewCommandDescription(
			"count",
			cmds.WithShort("Count the tokens of the input"),
			tokenizerFlags(),
			inputArgument(),
		),
	}, nil
}

func (c *CountCommand) RunIntoWriter(ctx context.Context, parsedLayers *layers.ParsedLayers, w io.Writer) error {
	s := &TokensSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	return countTokens(s, w)
}

func countTokens(s *TokensSettings, w io.Writer) error {
	c, err := s.counter()
	if err != nil {
		return err
	}
	n, err := c.Count(s.Input)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Model: %s\nEncoding: %s\nTotal tokens: %d\n", s.Model, c.Encoding(), n)
	return err
}

type EncodeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*EncodeCommand)(nil)

func NewEncodeCommand() (*EncodeCommand, error) {
	return &EncodeCommand{
		CommandDescription: cmds.NewCommandDescription(
			"encode",
			cmds.WithShort("Print the token ids of the input"),
			tokenizerFlags(),
			inputArgument(),
		),
	}, nil
}

func (c *EncodeCommand) RunIntoWriter(ctx context.Context, parsedLayers *layers.ParsedLayers, w io.Writer) error {
	s := &TokensSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	return encodeTokens(s, w)
}

func encodeTokens(s *TokensSettings, w io.Writer) error {
	c, err := s.counter()
	if err != nil {
		return err
	}
	ids, _, err := c.Encode(s.Input)
	if err != nil {
		return err
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatUint(uint64(id), 10)
	}
	_, err = fmt.Fprintln(w, strings.Join(out, " "))
	return err
}

type DecodeSettings struct {
	Model    string `glazed.parameter:"model"`
	Encoding string `glazed.parameter:"encoding"`
	IDs      []int  `glazed.parameter:"ids"`
}

type DecodeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*DecodeCommand)(nil)

func NewDecodeCommand() (*DecodeCommand, error) {
	return &DecodeCommand{
		CommandDescription: cmds.NewCommandDescription(
			"decode",
			cmds.WithShort("Decode token ids back into text"),
			tokenizerFlags(),
			cmds.WithArguments(
				parameters.NewParameterDefinition(
					"ids",
					parameters.ParameterTypeIntegerList,
					parameters.WithHelp("Token ids"),
					parameters.WithRequired(true),
				),
			),
		),
	}, nil
}

func (c *DecodeCommand) RunIntoWriter(ctx context.Context, parsedLayers *layers.ParsedLayers, w io.Writer) error {
	s := &DecodeSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	return decodeTokens(s, w)
}

func decodeTokens(s *DecodeSettings, w io.Writer) error {
	ts := &TokensSettings{Model: s.Model, Encoding: s.Encoding}
	c, err := ts.counter()
	if err != nil {
		return err
	}
	ids := make([]uint, 0, len(s.IDs))
	for _, id := range s.IDs {
		if id < 0 {
			return errors.Errorf("invalid token id %d", id)
		}
		ids = append(ids, uint(id))
	}
	text, err := c.Decode(ids)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, text)
	return err
}

func NewTokensCommand() (*cobra.Command, error) {
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Count, encode and decode tokens",
	}

	count, err := NewCountCommand()
	if err != nil {
		return nil, err
	}
	encode, err := NewEncodeCommand()
	if err != nil {
		return nil, err
	}
	decode, err := NewDecodeCommand()
	if err != nil {
		return nil, err
	}

	for _, c := range []cmds.WriterCommand{count, encode, decode} {
		cobraCmd, err := cli.BuildCobraCommandFromWriterCommand(c)
		if err != nil {
			return nil, err
		}
		tokensCmd.AddCommand(cobraCmd)
	}
	return tokensCmd, nil
}
