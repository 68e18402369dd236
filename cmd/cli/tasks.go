package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/restockwatch/core/internal/domain"
	"github.com/restockwatch/core/internal/idgen"
)

var (
	taskCreateGroup    string
	taskCreateZip      string
	taskCreateInterval int
	taskListGroup      string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scan tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks (optionally filtered to one group)",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <name> <retailer> <query>",
	Short: "Create a scan task",
	Example: `  restockwatchctl task create widget-watch acme "widget" --group grp-abc123
  restockwatchctl task create widget-watch acme "widget" --group grp-abc123 --interval 300 --zip 10001`,
	Args: cobra.ExactArgs(3),
	RunE: runTaskCreate,
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskToggle(true),
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskToggle(false),
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskListCmd, taskCreateCmd, taskEnableCmd, taskDisableCmd)

	taskListCmd.Flags().StringVar(&taskListGroup, "group", "", "filter to one group ID")

	taskCreateCmd.Flags().StringVar(&taskCreateGroup, "group", "", "owning group ID (required)")
	taskCreateCmd.Flags().StringVar(&taskCreateZip, "zip", "", "zip code override; falls back to the group default")
	taskCreateCmd.Flags().IntVar(&taskCreateInterval, "interval", 0, "scan interval override in seconds; falls back to the group default")
	taskCreateCmd.MarkFlagRequired("group")
}

func runTaskList(cmd *cobra.Command, args []string) error {
	tasks, err := db.ListAllTasks(context.Background(), taskListGroup)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGROUP\tRETAILER\tQUERY\tENABLED\tLAST STATUS\tLAST RUN")
	fmt.Fprintln(w, "--\t----\t-----\t--------\t-----\t-------\t-----------\t--------")
	for _, t := range tasks {
		lastRun := "-"
		if t.LastRunAt != nil {
			lastRun = t.LastRunAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			t.ID, t.Name, t.Group.Name, t.Retailer, t.Query, t.EffectiveEnabled(), t.LastStatus, lastRun)
	}
	return w.Flush()
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	name, retailer, query := args[0], args[1], args[2]

	task := domain.Task{
		ID:         idgen.New("task"),
		GroupID:    taskCreateGroup,
		Name:       name,
		Enabled:    true,
		Retailer:   retailer,
		Query:      query,
		LastStatus: domain.StatusIdle,
	}
	if taskCreateZip != "" {
		task.ZipCode = &taskCreateZip
	}
	if taskCreateInterval > 0 {
		task.IntervalSeconds = &taskCreateInterval
	}

	if err := db.CreateTask(context.Background(), task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	logger.Info().Str("task_id", task.ID).Str("retailer", retailer).Msg("task created")
	fmt.Println(task.ID)
	return nil
}

func runTaskToggle(enabled bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := db.ToggleTask(context.Background(), args[0], enabled); err != nil {
			return fmt.Errorf("toggle task: %w", err)
		}
		logger.Info().Str("task_id", args[0]).Bool("enabled", enabled).Msg("task toggled")
		return nil
	}
}
