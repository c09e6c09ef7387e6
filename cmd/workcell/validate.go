package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/workcell/internal/expressions"
	"github.com/rendis/workcell/internal/validation"
	"github.com/rendis/workcell/internal/workcell"
	"github.com/rendis/workcell/pkg/schema"
)

type validateReport struct {
	File   string                   `json:"file"`
	Valid  bool                     `json:"valid"`
	Result *schema.ValidationResult `json:"result,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

func newValidateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate WORKFLOW_FILE...",
		Short: "Validate workflow files against a workcell definition",
		Long: "Validate workflow files against a workcell definition. Node action " +
			"checks need live node info and are skipped offline.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.WorkcellFile == "" {
				return fmt.Errorf("no workcell file: set workcell_file or pass --workcell")
			}
			wc, err := workcell.LoadWorkcellFile(c.cfg.WorkcellFile)
			if err != nil {
				return err
			}
			wc.Config.ApplyDefaults()
			cel, err := expressions.NewCELEngine()
			if err != nil {
				return err
			}
			validator, err := validation.NewWorkflowValidator(cel, expressions.NewGoJQEngine())
			if err != nil {
				return err
			}

			reports, failed := validateFiles(validator, wc, args)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(reports); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflows invalid", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().String("workcell", "", "workcell definition file (YAML or JSON)")
	return cmd
}

func validateFiles(v *validation.WorkflowValidator, wc *schema.WorkcellDefinition, files []string) ([]validateReport, int) {
	reports := make([]validateReport, 0, len(files))
	failed := 0
	for _, file := range files {
		report := validateReport{File: file}
		def, err := workcell.LoadWorkflowFile(file)
		if err != nil {
			report.Error = err.Error()
		} else {
			report.Result = v.Validate(def, wc, nil)
			report.Valid = report.Result.Valid()
		}
		if !report.Valid {
			failed++
		}
		reports = append(reports, report)
	}
	return reports, failed
}
