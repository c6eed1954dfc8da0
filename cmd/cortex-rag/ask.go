package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/normanking/cortex-rag/internal/engine"
	"github.com/normanking/cortex-rag/internal/retrieval"
	"github.com/normanking/cortex-rag/internal/router"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

type askFlags struct {
	stream       bool
	provider     string
	model        string
	apiKey       string
	tenant       string
	conversation string
	system       string
	temperature  float64
	maxTokens    int
	forceIndex   bool
	forceWeb     bool
	noIndex      bool
	noWeb        bool
	reflect      bool
	showSources  bool
}

func askCmd() *cobra.Command {
	var f askFlags

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question (one-shot query)",
		Long: `Ask a question and get an answer grounded in retrieved context.

Examples:
  cortex-rag ask "what does our handbook say about on-call?"
  cortex-rag ask --stream --force-web "latest Go release"
  cortex-rag ask --model claude-3-5-sonnet --tenant acme "summarize the Q3 plan"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := f.options(cmd)
			if f.stream {
				return streamAnswer(ctx, a.engine, query, opts, f.showSources)
			}

			ans, err := a.engine.Answer(ctx, query, opts)
			if err != nil {
				return err
			}
			if verbose && ans.Reasoning != "" {
				fmt.Fprintf(os.Stderr, "💭 %s\n\n", ans.Reasoning)
			}
			fmt.Println(ans.Text)
			if f.showSources {
				printSources(ans.Sources)
			}
			printFooter(ans.ProviderUsed, ans.ModelUsed, ans.Fallback, ans.Routing)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&f.stream, "stream", "s", false, "stream the answer as it is generated")
	cmd.Flags().StringVarP(&f.provider, "provider", "p", "", "provider to use (openai, anthropic, gemini, groq, grok, openrouter, ollama)")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model to use; the provider is detected from the name when --provider is not set")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key for this request")
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "tenant ID for scoped retrieval and credentials")
	cmd.Flags().StringVarP(&f.conversation, "conversation", "c", "", "conversation ID for multi-turn memory")
	cmd.Flags().StringVar(&f.system, "system", "", "system prompt override")
	cmd.Flags().Float64Var(&f.temperature, "temperature", 0, "sampling temperature")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "maximum tokens to generate")
	cmd.Flags().BoolVar(&f.forceIndex, "force-index", false, "always search the document index")
	cmd.Flags().BoolVar(&f.forceWeb, "force-web", false, "always search the web")
	cmd.Flags().BoolVar(&f.noIndex, "no-index", false, "never search the document index")
	cmd.Flags().BoolVar(&f.noWeb, "no-web", false, "never search the web")
	cmd.Flags().BoolVar(&f.reflect, "reflect", false, "ask the model to reason before answering")
	cmd.Flags().BoolVar(&f.showSources, "sources", false, "list the sources used")

	return cmd
}

func (f *askFlags) options(cmd *cobra.Command) engine.Options {
	opts := engine.Options{
		TenantID:       f.tenant,
		ConversationID: f.conversation,
		Provider:       f.provider,
		Model:          f.model,
		APIKey:         f.apiKey,
		SystemPrompt:   f.system,
		MaxTokens:      f.maxTokens,
		Overrides: router.Overrides{
			ForceIndex:      f.forceIndex,
			ForceWeb:        f.forceWeb,
			DisableIndex:    f.noIndex,
			DisableWeb:      f.noWeb,
			ForceReflection: f.reflect,
		},
	}
	if cmd.Flags().Changed("temperature") {
		t := f.temperature
		opts.Temperature = &t
	}
	return opts
}

func streamAnswer(ctx context.Context, eng *engine.Engine, query string, opts engine.Options, showSources bool) error {
	events, err := eng.Stream(ctx, query, opts)
	if err != nil {
		return err
	}

	var sources []retrieval.Source
	for ev := range events {
		switch ev.Type {
		case engine.EventRouting:
			if verbose {
				fmt.Fprintf(os.Stderr, "🧭 intent=%s path=%s confidence=%.2f\n", ev.Routing.Intent, ev.Routing.Path, ev.Routing.Confidence)
			}
		case engine.EventSearchStart:
			if verbose {
				fmt.Fprintf(os.Stderr, "🔎 searching %s...\n", ev.Kind)
			}
		case engine.EventSearchComplete:
			sources = append(sources, ev.Sources...)
			if verbose {
				fmt.Fprintf(os.Stderr, "🔎 %s: %d sources\n", ev.Kind, len(ev.Sources))
			}
		case engine.EventGenerationStart:
			if ev.Fallback {
				fmt.Fprintf(os.Stderr, "⚠️  falling back to %s (%s)\n", ev.Provider, ev.Model)
			}
		case engine.EventThought:
			if verbose {
				fmt.Fprint(os.Stderr, ev.Text)
			}
		case engine.EventChunk:
			fmt.Print(ev.Text)
		case engine.EventComplete:
			fmt.Println()
			if showSources {
				printSources(sources)
			}
			a := ev.Answer
			printFooter(a.ProviderUsed, a.ModelUsed, a.Fallback, a.Routing)
		case engine.EventError:
			fmt.Println()
			return ev.Err
		}
	}
	return ctx.Err()
}

func printSources(sources []retrieval.Source) {
	if len(sources) == 0 {
		return
	}
	fmt.Println("\nSources:")
	for i, s := range sources {
		label := s.Locator
		if label == "" {
			label = truncate(s.Preview, 60)
		}
		if s.Score != nil {
			fmt.Printf("  %d. [%s %.2f] %s\n", i+1, s.Kind, *s.Score, label)
		} else {
			fmt.Printf("  %d. [%s] %s\n", i+1, s.Kind, label)
		}
	}
}

func printFooter(provider, model string, fallback bool, d *router.RoutingDecision) {
	if !verbose {
		return
	}
	note := ""
	if fallback {
		note = " (fallback)"
	}
	intent := ""
	if d != nil {
		intent = string(d.Intent)
	}
	fmt.Fprintf(os.Stderr, "\n— %s/%s%s · intent %s\n", provider, model, note, intent)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func routeCmd() *cobra.Command {
	var overrides router.Overrides

	cmd := &cobra.Command{
		Use:   "route [question]",
		Short: "Show how a question would be routed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			d := a.router.Route(cmd.Context(), strings.Join(args, " "), overrides)
			out, err := json.MarshalIndent(d, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().BoolVar(&overrides.ForceIndex, "force-index", false, "force document search")
	cmd.Flags().BoolVar(&overrides.ForceWeb, "force-web", false, "force web search")
	cmd.Flags().BoolVar(&overrides.DisableIndex, "no-index", false, "disable document search")
	cmd.Flags().BoolVar(&overrides.DisableWeb, "no-web", false, "disable web search")

	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
