package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/output"
)

var (
	buildMode    string
	buildPower   string
	buildProject string
	buildRefine  bool
	buildDetach  bool
	buildFollow  followOptions
)

var buildCmd = &cobra.Command{
	Use:   "build <description>",
	Short: "Start a new build and follow it",
	Long: `Start a build from a plain-language description of the app, then follow
its event stream until it finishes. Use --detach to only start it.

With --refine, the description is first rewritten by the configured
Anthropic model into a more complete build request.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildRun(cmd, strings.Join(args, " "))
	},
}

func init() {
	buildCmd.Flags().StringVar(&buildMode, "mode", "", `build mode: "fast" or "full" (default from build.mode)`)
	buildCmd.Flags().StringVar(&buildPower, "power", "", `model tier: "fast", "balanced" or "max" (default from build.power_mode)`)
	buildCmd.Flags().StringVar(&buildProject, "project", "", "project name for the generated app")
	buildCmd.Flags().BoolVar(&buildRefine, "refine", false, "rewrite the description with the LLM before starting")
	buildCmd.Flags().BoolVarP(&buildDetach, "detach", "d", false, "start the build without following it")
	addFollowFlags(buildCmd, &buildFollow)
	rootCmd.AddCommand(buildCmd)
}

func buildRun(cmd *cobra.Command, description string) error {
	ctx := commandContext(cmd)
	req, err := buildRequest(description, buildMode, buildPower, buildProject)
	if err != nil {
		return err
	}

	if buildRefine {
		llmClient := newLLMClient()
		if llmClient == nil {
			return fmt.Errorf("--refine needs anthropic.api_key (or ANTHROPIC_API_KEY)")
		}
		refined, err := llmClient.RefineRequest(ctx, req.Description)
		if err != nil {
			return fmt.Errorf("refine description: %w", err)
		}
		if refined.Description != "" {
			req.Description = refined.Description
		}
		if buildMode == "" && refined.Mode != "" {
			if mode, err := parseMode(refined.Mode); err == nil {
				req.Mode = mode
			}
		}
		ui.Info("Refined request (%s): %s", req.Mode, refined.Rationale)
		fmt.Fprintln(ui.Out, req.Description)
	}

	if dryRun {
		ui.DryRunMsg("Would start a %s build (%s): %s", req.Mode, req.PowerMode, req.Description)
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctrl := newController(c, s)

	id, err := ctrl.Start(ctx, req)
	if err != nil {
		return err
	}
	ui.Success("Build %s started", output.Cyan(id))

	if buildDetach {
		ui.Info("Follow it with: apex watch %s", id)
		return nil
	}
	return followBuild(ctx, ctrl, s, id, buildFollow)
}

// buildRequest validates flags into a request, filling defaults from config.
func buildRequest(description, mode, power, project string) (models.BuildRequest, error) {
	req := models.BuildRequest{
		Description: strings.TrimSpace(description),
		ProjectName: strings.TrimSpace(project),
	}
	if req.Description == "" {
		return req, fmt.Errorf("description is required")
	}

	if mode == "" {
		mode = viper.GetString("build.mode")
	}
	m, err := parseMode(mode)
	if err != nil {
		return req, err
	}
	req.Mode = m

	if power == "" {
		power = viper.GetString("build.power_mode")
	}
	p, err := parsePower(power)
	if err != nil {
		return req, err
	}
	req.PowerMode = p
	return req, nil
}

func parseMode(s string) (models.BuildMode, error) {
	switch m := models.BuildMode(strings.ToLower(strings.TrimSpace(s))); m {
	case models.BuildModeFast, models.BuildModeFull:
		return m, nil
	case "":
		return models.BuildModeFull, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be fast or full", s)
	}
}

func parsePower(s string) (models.PowerMode, error) {
	switch p := models.PowerMode(strings.ToLower(strings.TrimSpace(s))); p {
	case models.PowerModeFast, models.PowerModeBalanced, models.PowerModeMax:
		return p, nil
	case "":
		return models.PowerModeBalanced, nil
	default:
		return "", fmt.Errorf("invalid power mode %q: must be fast, balanced or max", s)
	}
}
