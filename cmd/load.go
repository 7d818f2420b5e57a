package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/id/uuid"
	"github.com/JakeFAU/syllabus-indexer/internal/orchestrator"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// maxLineBytes bounds one JSON document in a seed file.
const maxLineBytes = 4 << 20

func newLoadCmd() *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "load FILE",
		Short: "Loads subjects from a JSON Lines file into a new generation",
		Long: `Reads one {"ja": ..., "en": ...} subject pair per line, validates each
strictly and writes them into a fresh generation of both locale indices.
Use "-" to read standard input. With --publish the generation is made live.

Seed files holding a single locale's subject documents, one bare subject
object per line, are not accepted. Merge the ja and en files into pairs
keyed by subject id before loading.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open seed file: %w", err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			subjects, err := readSubjects(in)
			if err != nil {
				return err
			}

			generation, err := uuid.New().NewID()
			if err != nil {
				return err
			}
			idx := a.Index()
			if err := loadGeneration(ctx, idx, generation, subjects); err != nil {
				return err
			}
			a.Logger().Info("generation loaded", zap.String("generation", generation), zap.Int("subjects", len(subjects)))

			if publish {
				err := a.Locker().WithLock(ctx, orchestrator.PublishLock, func(ctx context.Context) error {
					for _, locale := range syllabus.Locales {
						if err := idx.Publish(ctx, locale, generation); err != nil {
							return err
						}
					}
					return nil
				})
				if err != nil {
					return fmt.Errorf("publish generation %s: %w", generation, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d subjects into generation %s\n", len(subjects), generation)
			return nil
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "swap the alias to the loaded generation")
	return cmd
}

// readSubjects decodes a JSON Lines stream. Blank lines are skipped.
func readSubjects(r io.Reader) ([]syllabus.LocalizedSubject, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var out []syllabus.LocalizedSubject
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		subject, err := syllabus.DecodeStrict(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, subject)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return out, nil
}

func loadGeneration(ctx context.Context, idx syllabus.Index, generation string, subjects []syllabus.LocalizedSubject) error {
	for _, locale := range syllabus.Locales {
		if err := idx.Ensure(ctx, locale, generation); err != nil {
			return err
		}
	}
	for _, s := range subjects {
		for _, locale := range syllabus.Locales {
			entity := s.For(locale)
			if err := idx.Upsert(ctx, locale, generation, entity.ID, entity); err != nil {
				return fmt.Errorf("upsert subject %d: %w", entity.ID, err)
			}
		}
	}
	return nil
}
