package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/efo-mapper/internal/core/embedding"
	"github.com/jinford/efo-mapper/internal/core/pipeline"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
	"github.com/jinford/efo-mapper/internal/core/trait"
)

// EmbedAction は取り込み済みの形質と参照語彙を埋め込むコマンドのアクション
func EmbedAction(ctx context.Context, cmd *cli.Command) error {
	mode, err := parseMode(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	records, terms, err := appCtx.LoadCatalog(ctx)
	if err != nil {
		return err
	}
	if err := requireTerms(mode, terms); err != nil {
		return err
	}

	out, err := embedCatalog(ctx, appCtx, mode, records, terms)
	if err != nil {
		return err
	}
	renderEmbedOutput(out)
	return nil
}

// embedCatalog はモードに必要な集合だけを埋め込む。コホート間モードでは参照語彙は不要
func embedCatalog(ctx context.Context, appCtx *AppContext, mode retrieval.Mode, records []trait.Record, terms []trait.Term) (*pipeline.EmbedOutput, error) {
	if mode == retrieval.ModeCohort {
		terms = nil
	}
	out, err := appCtx.Container.Pipeline.Embed(ctx, records, terms)
	if err != nil {
		return nil, fmt.Errorf("埋め込みに失敗: %w", err)
	}
	return out, nil
}

func renderEmbedOutput(out *pipeline.EmbedOutput) {
	table := newTable("集合", "要求", "新規", "キャッシュ", "失敗", "所要時間")
	for _, entry := range []struct {
		name   string
		report *embedding.EmbedReport
	}{
		{pipeline.NamespaceTraits, out.Traits},
		{pipeline.NamespaceTerms, out.Terms},
	} {
		if entry.report == nil {
			continue
		}
		r := entry.report
		table.Append(
			entry.name,
			fmt.Sprintf("%d", r.Requested),
			fmt.Sprintf("%d", r.Embedded),
			fmt.Sprintf("%d", r.Cached),
			fmt.Sprintf("%d", r.Failed),
			r.Duration.Round(1e6).String(),
		)
	}
	table.Render()
}
