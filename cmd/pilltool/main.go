// pilltool is a diagnostics utility for the time parser, the scheduler, the
// extraction adapter, and the local trigger table.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"pillminder/dbtypes"
	"pillminder/extract"
	"pillminder/kvstore"
	"pillminder/localnotify"
	"pillminder/notify"
	"pillminder/recur"
	"pillminder/scheduler"
	"pillminder/timeparse"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cmdRoot = &cobra.Command{
	Use:          "pilltool",
	SilenceUsage: true,
}

var (
	name         string
	dosage       string
	timing       string
	frequency    string
	duration     string
	explicitTime string
	requireTime  bool
)

func addEntryFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&name, "name", "medicine", "Medicine name.")
	cmd.Flags().StringVar(&dosage, "dosage", "", "Dosage text.")
	cmd.Flags().StringVar(&timing, "timing", "", "Timing text, e.g. \"after dinner\" or \"9 PM\".")
	cmd.Flags().StringVar(&frequency, "frequency", "", "Frequency text, e.g. \"twice daily\".")
	cmd.Flags().StringVar(&duration, "duration", "", "Duration text, e.g. \"2 weeks\".")
	cmd.Flags().StringVar(&explicitTime, "explicit-time", "", "User-picked time as HH:MM.")
	cmd.Flags().BoolVar(&requireTime, "require-time", false, "Fail instead of defaulting when timing is ambiguous.")
}

func entryFromFlags() (*dbtypes.MedicationEntry, *dbtypes.TimeOfDay, error) {
	entry := &dbtypes.MedicationEntry{
		Name:          dbtypes.Str(name),
		Dosage:        dbtypes.Str(dosage),
		TimingText:    dbtypes.Str(timing),
		FrequencyText: dbtypes.Str(frequency),
		DurationText:  dbtypes.Str(duration),
	}
	if explicitTime == "" {
		return entry, nil, nil
	}
	t, ok := timeparse.ParseClock24(explicitTime)
	if !ok {
		return nil, nil, fmt.Errorf("--explicit-time %q is not an HH:MM time", explicitTime)
	}
	return entry, &t, nil
}

var cmdParse = &cobra.Command{
	Use:   "parse",
	Short: "Show the trigger times an entry resolves to",
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, explicit, err := entryFromFlags()
		if err != nil {
			return err
		}

		sched := scheduler.New(notify.NewMemory(notify.PermissionGranted), scheduler.Config{
			RequireTimeWhenAmbiguous: requireTime,
		})
		plan, err := sched.PlanEntry(entry, explicit)
		if err != nil {
			return fmt.Errorf("while planning entry: %w", err)
		}

		rule := "once"
		if r := timeparse.MatchFrequency(entry.FrequencyText); r != nil {
			rule = r.Name
		}

		fmt.Printf("base:      %s (%s, %s)\n", plan.Base, timeparse.FormatClock(plan.Base), plan.Source)
		fmt.Printf("frequency: %s\n", rule)
		fmt.Printf("duration:  %d days\n", plan.DurationDays)
		fmt.Printf("first:     %s\n", plan.FirstFireAt.Format(time.RFC1123))
		for _, t := range plan.TriggerTimes {
			fmt.Printf("trigger:   %s  %s\n", t, recur.RuleString(t))
		}
		return nil
	},
}

var cmdSchedule = &cobra.Command{
	Use:   "schedule",
	Short: "Dry-run scheduling against an in-memory facility and print the notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		entry, explicit, err := entryFromFlags()
		if err != nil {
			return err
		}

		facility := notify.NewMemory(notify.PermissionGranted)
		sched := scheduler.New(facility, scheduler.Config{
			StrictPermissions:        true,
			RequireTimeWhenAmbiguous: requireTime,
		})
		schedule, err := sched.ScheduleReminder(ctx, entry, explicit)
		if err != nil {
			return err
		}

		var ns []*dbtypes.Notification
		for _, h := range schedule.NotificationHandles {
			n, _ := facility.Get(h)
			ns = append(ns, n)
		}
		return printJSON(os.Stdout, struct {
			Schedule      *dbtypes.ReminderSchedule `json:"schedule"`
			Notifications []*dbtypes.Notification   `json:"notifications"`
		}{schedule, ns})
	},
}

var cmdExtract = &cobra.Command{
	Use:   "extract <ocr-text-file | ->",
	Short: "Run the extraction model over OCR text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return fmt.Errorf("OPENAI_API_KEY must be set")
		}

		var text []byte
		var err error
		if args[0] == "-" {
			text, err = io.ReadAll(os.Stdin)
		} else {
			text, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("while reading OCR text: %w", err)
		}

		client := extract.New(key, os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_MODEL"))
		ext, err := client.Extract(ctx, string(text))
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, ext)
	},
}

var dataDir string

var cmdTriggers = &cobra.Command{
	Use: "triggers [command]",
}

var cmdTriggersList = &cobra.Command{
	Use:   "list",
	Short: "List the triggers registered in a local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		db, err := kvstore.Open(dataDir, false)
		if err != nil {
			return err
		}
		defer db.Close()

		regs, err := localnotify.New(db).List(ctx)
		if err != nil {
			return fmt.Errorf("while listing triggers: %w", err)
		}
		for _, r := range regs {
			last := "never"
			if !r.LastFiredAt.IsZero() {
				last = r.LastFiredAt.Format(time.RFC3339)
			}
			fmt.Printf("%s\t%02d:%02d\t%s\tlast fired %s\n", r.Handle, r.Notification.Trigger.Hour, r.Notification.Trigger.Minute, r.Notification.Body, last)
		}
		return nil
	},
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func init() {
	addEntryFlags(cmdParse)
	addEntryFlags(cmdSchedule)
	cmdTriggers.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory of the local badger database.")
}

func main() {
	godotenv.Load()

	cmdRoot.AddCommand(cmdParse, cmdSchedule, cmdExtract, cmdTriggers)
	cmdTriggers.AddCommand(cmdTriggersList)

	if err := cmdRoot.Execute(); err != nil {
		os.Exit(1)
	}
}
