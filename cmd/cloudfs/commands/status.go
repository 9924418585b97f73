package commands

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statusPidFile string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mount status",
	Long: `Display whether the CloudFS daemon is running, based on its PID file.

Examples:
  # Check status (uses default PID file)
  cloudfs status

  # Check status with a custom PID file
  cloudfs status --pid-file /var/run/cloudfs.pid`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/cloudfs/cloudfs.pid)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	running := false
	pidStr := "-"

	if pidData, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(pidData))); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if process.Signal(syscall.Signal(0)) == nil {
					running = true
					pidStr = strconv.Itoa(pid)
				}
			}
		}
	}

	state := "stopped"
	if running {
		state = "running"
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"State", state})
	table.Append([]string{"PID", pidStr})
	table.Append([]string{"PID file", pidPath})
	table.Render()

	return nil
}
