package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetsync/pkg/client"
	"github.com/cuemby/fleetsync/pkg/events"
	"github.com/cuemby/fleetsync/pkg/fleet"
	"github.com/cuemby/fleetsync/pkg/types"
)

func init() {
	rootCmd.PersistentFlags().String("api", "127.0.0.1:9090", "Admin API address")

	for _, cmd := range []*cobra.Command{statusCmd, provisionCmd, reconcileCmd, terminateCmd, pauseCmd, unpauseCmd, demandSetCmd, demandGetCmd} {
		cmd.Flags().String("fleet", "", "Spot fleet request ID")
	}
	for _, cmd := range []*cobra.Command{provisionCmd, reconcileCmd, terminateCmd, pauseCmd, unpauseCmd, demandSetCmd} {
		_ = cmd.MarkFlagRequired("fleet")
	}

	provisionCmd.Flags().String("label", types.DefaultLabel, "Worker label")
	provisionCmd.Flags().Int("demand", 1, "Number of workers wanted")

	nodesCmd.Flags().String("fleet", "", "Only list nodes of this fleet")
	activityCmd.Flags().Bool("busy", false, "Mark the node busy")
	eventsCmd.Flags().String("fleet", "", "Only stream events of this fleet")
	eventsCmd.Flags().Bool("json", false, "Print events as JSON lines")

	demandSetCmd.Flags().String("label", types.DefaultLabel, "Worker label")
	demandSetCmd.Flags().Int("count", 0, "Number of workers wanted (0 clears)")
	demandCmd.AddCommand(demandSetCmd)
	demandCmd.AddCommand(demandGetCmd)

	rootCmd.AddCommand(statusCmd, provisionCmd, reconcileCmd, terminateCmd, pauseCmd, unpauseCmd)
	rootCmd.AddCommand(nodesCmd, activityCmd, removeNodeCmd, demandCmd, eventsCmd)
}

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("api")
	return client.NewClient(addr)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func printStatuses(statuses ...fleet.Status) error {
	w := newTable()
	fmt.Fprintln(w, "FLEET\tLABEL\tSTATE\tDESIRED\tMAX\tMEMBERS\tSEEN\tDYING\tPENDING\tPAUSED")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%t\n",
			s.FleetID, s.Label, s.State, s.DesiredCapacity, s.MaxSize,
			len(s.Instances), len(s.Seen), len(s.Dying), s.Pending, s.Paused)
	}
	return w.Flush()
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the bookkeeping of one or every fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		fleetID, _ := cmd.Flags().GetString("fleet")
		if fleetID == "" {
			statuses, err := c.Fleets(cmd.Context())
			if err != nil {
				return err
			}
			return printStatuses(statuses...)
		}
		status, err := c.Fleet(cmd.Context(), fleetID)
		if err != nil {
			return err
		}
		return printStatuses(status)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		fleetID, _ := cmd.Flags().GetString("fleet")
		status, err := apiClient(cmd).Reconcile(cmd.Context(), fleetID)
		if err != nil {
			return err
		}
		return printStatuses(status)
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Ask a fleet for more workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		fleetID, _ := cmd.Flags().GetString("fleet")
		label, _ := cmd.Flags().GetString("label")
		demand, _ := cmd.Flags().GetInt("demand")

		planned, err := apiClient(cmd).Provision(cmd.Context(), fleetID, label, demand)
		if err != nil {
			return err
		}
		if len(planned) == 0 {
			fmt.Println("No capacity granted")
			return nil
		}
		fmt.Printf("✓ Granted %d of %d\n", len(planned), demand)
		for _, p := range planned {
			fmt.Printf("  %s\n", p.ID)
		}
		return nil
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate INSTANCE-ID",
	Short: "Terminate one fleet instance and shrink the fleet by one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fleetID, _ := cmd.Flags().GetString("fleet")
		ok, err := apiClient(cmd).Terminate(cmd.Context(), fleetID, types.InstanceID(args[0]))
		if ok {
			fmt.Printf("✓ Terminated %s\n", args[0])
		}
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("%s was not terminated\n", args[0])
		}
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Shrink a fleet to one offline instance and stop provisioning",
	RunE: func(cmd *cobra.Command, args []string) error {
		fleetID, _ := cmd.Flags().GetString("fleet")
		status, err := apiClient(cmd).Pause(cmd.Context(), fleetID)
		if err != nil {
			return err
		}
		return printStatuses(status)
	},
}

var unpauseCmd = &cobra.Command{
	Use:   "unpause",
	Short: "Allow a paused fleet to grow again",
	RunE: func(cmd *cobra.Command, args []string) error {
		fleetID, _ := cmd.Flags().GetString("fleet")
		status, err := apiClient(cmd).Unpause(cmd.Context(), fleetID)
		if err != nil {
			return err
		}
		return printStatuses(status)
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List registered worker nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		fleetID, _ := cmd.Flags().GetString("fleet")
		nodes, err := apiClient(cmd).Nodes(cmd.Context(), fleetID)
		if err != nil {
			return err
		}

		w := newTable()
		fmt.Fprintln(w, "ID\tFLEET\tADDRESS\tLABEL\tBUSY\tOFFLINE\tIDLE SINCE")
		for _, n := range nodes {
			offline := "-"
			if n.Offline {
				offline = n.OfflineReason
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
				n.ID, n.FleetID, n.Address, n.Label, n.Busy, offline, n.IdleSince().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var activityCmd = &cobra.Command{
	Use:   "activity INSTANCE-ID",
	Short: "Report whether a worker node is busy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		busy, _ := cmd.Flags().GetBool("busy")
		return apiClient(cmd).ReportActivity(cmd.Context(), types.InstanceID(args[0]), busy)
	},
}

var removeNodeCmd = &cobra.Command{
	Use:   "remove-node INSTANCE-ID",
	Short: "Remove a worker node from the registry",
	Long: `Remove a worker node from the registry. The owning fleet terminates
the instance on its next reconciliation pass.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).RemoveNode(cmd.Context(), types.InstanceID(args[0])); err != nil {
			return err
		}
		fmt.Printf("✓ Removed %s\n", args[0])
		return nil
	},
}

var demandCmd = &cobra.Command{
	Use:   "demand",
	Short: "Manage the worker demand fed to the provisioning loops",
}

var demandSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the number of workers wanted from a fleet for a label",
	RunE: func(cmd *cobra.Command, args []string) error {
		fleetID, _ := cmd.Flags().GetString("fleet")
		label, _ := cmd.Flags().GetString("label")
		count, _ := cmd.Flags().GetInt("count")

		demand, err := apiClient(cmd).SetDemand(cmd.Context(), fleetID, label, count)
		if err != nil {
			return err
		}
		return printDemand(map[string]map[string]int{fleetID: demand})
	},
}

var demandGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the recorded demand of one or every fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		fleetID, _ := cmd.Flags().GetString("fleet")
		if fleetID == "" {
			demand, err := c.Demand(cmd.Context())
			if err != nil {
				return err
			}
			return printDemand(demand)
		}
		demand, err := c.FleetDemand(cmd.Context(), fleetID)
		if err != nil {
			return err
		}
		return printDemand(map[string]map[string]int{fleetID: demand})
	},
}

func printDemand(demand map[string]map[string]int) error {
	fleets := make([]string, 0, len(demand))
	for id := range demand {
		fleets = append(fleets, id)
	}
	sort.Strings(fleets)

	w := newTable()
	fmt.Fprintln(w, "FLEET\tLABEL\tCOUNT")
	for _, id := range fleets {
		labels := make([]string, 0, len(demand[id]))
		for label := range demand[id] {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			fmt.Fprintf(w, "%s\t%s\t%d\n", id, label, demand[id][label])
		}
	}
	return w.Flush()
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream fleet lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		fleetID, _ := cmd.Flags().GetString("fleet")
		jsonOut, _ := cmd.Flags().GetBool("json")
		enc := json.NewEncoder(os.Stdout)
		return apiClient(cmd).StreamEvents(cmd.Context(), fleetID, func(e *events.Event) error {
			if jsonOut {
				return enc.Encode(e)
			}
			fmt.Printf("%s  %-20s  %-14s  %s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.FleetID, e.Message)
			return nil
		})
	},
}
