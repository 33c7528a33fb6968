package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"nutrilens"
	"nutrilens/pipeline"
	"nutrilens/store"

	"github.com/lucsky/cuid"
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>",
	Short: "Analyze one meal photo and print the estimate",
	Long: `analyze runs a photo through detection and calculation. Clarification
questions are answered with their defaults unless overridden with --answer,
for example --answer 0:oil=ghee.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().String("estimator", "", "estimator backend: bedrock, ollama or mock (overrides ESTIMATOR)")
	analyzeCmd.Flags().StringArray("answer", nil, "clarification answer as item:question=option")
	analyzeCmd.Flags().StringArray("select", nil, "ingredient selection applied after calculation as item:category=option")
	analyzeCmd.Flags().Bool("save", false, "save the result to meal history")
	analyzeCmd.Flags().Bool("dump", false, "dump the full session instead of printing JSON")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := loadConfigs()
	if err != nil {
		return err
	}
	if name, _ := cmd.Flags().GetString("estimator"); name != "" {
		c.pipeline.Estimator = name
	}

	answers, err := parseChoices(stringArray(cmd, "answer"))
	if err != nil {
		return fmt.Errorf("invalid --answer: %w", err)
	}
	selections, err := parseChoices(stringArray(cmd, "select"))
	if err != nil {
		return fmt.Errorf("invalid --select: %w", err)
	}

	img, err := readImage(args[0])
	if err != nil {
		return err
	}

	shutdown, err := initOtel(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	resolver, err := newResolver(c.pipeline)
	if err != nil {
		return err
	}
	est, err := newEstimator(ctx, c, c.pipeline.Estimator, resolver.Catalog())
	if err != nil {
		return err
	}
	stageLogger, cleanup, err := newStageLogger(c.pipeline, c.pipeline.Estimator)
	if err != nil {
		return err
	}
	defer func() {
		if err := cleanup(); err != nil {
			slog.Error("SETUP: Failed to flush stage log", "error", err)
		}
	}()

	sess := pipeline.New(est, resolver, pipeline.WithStageLogger(stageLogger)).NewSession(cuid.New())
	if err := sess.Submit(ctx, img); err != nil {
		return err
	}

	if sess.State() == pipeline.StateClarifying {
		for _, a := range answers {
			if err := sess.Answer(a.item, a.category, a.option); err != nil {
				return err
			}
		}
		if err := sess.Confirm(ctx); err != nil {
			return err
		}
	}

	if len(selections) > 0 {
		for _, s := range selections {
			if err := sess.SelectIngredient(s.item, s.category, s.option); err != nil {
				return err
			}
		}
		if _, err := sess.Recalculate(ctx); err != nil {
			return err
		}
	}

	if save, _ := cmd.Flags().GetBool("save"); save {
		rec, err := saveMeal(ctx, c, sess)
		if err != nil {
			return err
		}
		slog.Info("RESULT: Meal saved", "meal_id", rec.ID, "image_url", rec.ImageURL)
	}

	if dump, _ := cmd.Flags().GetBool("dump"); dump {
		nutrilens.DumpTo(cmd.OutOrStdout(), sess.Snapshot())
		return nil
	}

	a, _ := sess.Analysis()
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

func saveMeal(ctx context.Context, c configs, sess *pipeline.Session) (nutrilens.MealRecord, error) {
	meals, err := newMealStore(c.store)
	if err != nil {
		return nutrilens.MealRecord{}, err
	}
	defer meals.Close()

	rec, err := sess.Record("")
	if err != nil {
		return rec, err
	}
	rec.ID = cuid.New()

	if img, ok := sess.Image(); ok {
		images, err := newImageStore(ctx, c.store)
		if err != nil {
			return rec, err
		}
		url, err := images.Put(ctx, store.ImageKey(rec.ID, img), img)
		if err != nil {
			return rec, err
		}
		rec.ImageURL = url
	}

	rec, err = meals.Save(ctx, rec)
	if err != nil {
		return rec, err
	}
	if n := newNotifier(c.server); n != nil {
		if err := n.MealSaved(ctx, rec); err != nil {
			slog.Warn("RESULT: Failed to send meal notification", "error", err)
		}
	}
	return rec, nil
}

// readImage loads a photo from disk, or from stdin when path is "-".
func readImage(path string) (nutrilens.Image, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nutrilens.Image{}, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return nutrilens.Image{}, fmt.Errorf("image is empty")
	}
	return nutrilens.Image{Data: data, MediaType: http.DetectContentType(data)}, nil
}

type choice struct {
	item     int
	category string
	option   string
}

// parseChoices reads item:category=option values.
func parseChoices(values []string) ([]choice, error) {
	out := make([]choice, 0, len(values))
	for _, v := range values {
		idx, rest, ok := strings.Cut(v, ":")
		if !ok {
			return nil, fmt.Errorf("%q: want item:category=option", v)
		}
		cat, opt, ok := strings.Cut(rest, "=")
		if !ok || cat == "" || opt == "" {
			return nil, fmt.Errorf("%q: want item:category=option", v)
		}
		item, err := strconv.Atoi(idx)
		if err != nil {
			return nil, fmt.Errorf("%q: bad item index: %w", v, err)
		}
		out = append(out, choice{item: item, category: cat, option: opt})
	}
	return out, nil
}

func stringArray(cmd *cobra.Command, name string) []string {
	v, _ := cmd.Flags().GetStringArray(name)
	return v
}
