// ABOUTME: Operator CLI for prox-orchd.
// ABOUTME: Talks to the daemon's control API to list, deploy, and act on applications.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentlab/prox-orchd/internal/buildinfo"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "prox-orchctl",
	Short:   "Operator CLI for the LXC application lifecycle engine",
	Version: buildinfo.String(),
}

func init() {
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:8843", "prox-orchd control API address")

	rootCmd.AddCommand(appsCmd, deployCmd, actionCmd, unmanagedCmd)

	appsCmd.Flags().String("status", "", "filter by status (pending, deploying, running, ...)")
	appsCmd.Flags().String("host", "", "filter by proxmox host id")

	deployCmd.Flags().String("catalog", "", "catalog app id (required)")
	deployCmd.Flags().String("hostname", "", "container hostname (required)")
	deployCmd.Flags().String("host", "", "proxmox host id (required)")
	deployCmd.Flags().String("node", "", "proxmox node name")
	deployCmd.MarkFlagRequired("catalog")
	deployCmd.MarkFlagRequired("hostname")
	deployCmd.MarkFlagRequired("host")

	actionCmd.Flags().String("new-hostname", "", "new hostname (clone)")
	actionCmd.Flags().Bool("force", false, "force the action (delete)")
	actionCmd.Flags().String("reason", "", "reason (backup)")
	actionCmd.Flags().String("backup-id", "", "backup id (restore)")
	actionCmd.Flags().String("adopt-host", "", "proxmox host id (adopt)")
	actionCmd.Flags().String("adopt-node", "", "proxmox node name (adopt)")
	actionCmd.Flags().Int("adopt-vmid", 0, "container vmid (adopt)")
	actionCmd.Flags().String("adopt-catalog", "", "catalog app id (adopt)")
	actionCmd.Flags().String("adopt-hostname", "", "container hostname (adopt)")

	unmanagedCmd.Flags().String("host", "", "proxmox host id (all hosts if omitted)")
}

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List applications",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		status, _ := cmd.Flags().GetString("status")
		host, _ := cmd.Flags().GetString("host")

		c := newClient(addr)
		resp, err := c.listApplications(cmd.Context(), status, host)
		if err != nil {
			return err
		}
		if len(resp.Applications) == 0 {
			fmt.Println("No applications found")
			return nil
		}
		fmt.Printf("%-24s %-20s %-12s %-14s %s\n", "ID", "HOSTNAME", "STATUS", "LIVE", "HOST")
		for _, app := range resp.Applications {
			live := string(app.LiveStatus)
			if app.LiveStatusErr != "" {
				live = "error"
			}
			fmt.Printf("%-24s %-20s %-12s %-14s %s\n", app.ID, app.Hostname, app.Status, live, app.HostID)
		}
		return nil
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a catalog application",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		catalogID, _ := cmd.Flags().GetString("catalog")
		hostname, _ := cmd.Flags().GetString("hostname")
		hostID, _ := cmd.Flags().GetString("host")
		node, _ := cmd.Flags().GetString("node")

		c := newClient(addr)
		app, err := c.deployApplication(cmd.Context(), deployRequest{
			CatalogID: catalogID,
			Hostname:  hostname,
			HostID:    hostID,
			Node:      node,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Application queued: %s\n", app.ID)
		fmt.Printf("  Hostname: %s\n", app.Hostname)
		fmt.Printf("  Status:   %s\n", app.Status)
		return nil
	},
}

var actionCmd = &cobra.Command{
	Use:   "action ID ACTION",
	Short: "Perform a lifecycle action on an application (start, stop, restart, delete, clone, update, adopt, backup, restore)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		appID, action := args[0], args[1]

		newHostname, _ := cmd.Flags().GetString("new-hostname")
		force, _ := cmd.Flags().GetBool("force")
		reason, _ := cmd.Flags().GetString("reason")
		backupID, _ := cmd.Flags().GetString("backup-id")
		adoptHost, _ := cmd.Flags().GetString("adopt-host")
		adoptNode, _ := cmd.Flags().GetString("adopt-node")
		adoptVMID, _ := cmd.Flags().GetInt("adopt-vmid")
		adoptCatalog, _ := cmd.Flags().GetString("adopt-catalog")
		adoptHostname, _ := cmd.Flags().GetString("adopt-hostname")

		c := newClient(addr)
		jobID, err := c.performAction(cmd.Context(), appID, action, actionRequest{
			NewHostname: newHostname,
			Force:       force,
			Reason:      reason,
			BackupID:    backupID,
			Adopt: adoptParams{
				HostID:    adoptHost,
				NodeName:  adoptNode,
				VMID:      adoptVMID,
				CatalogID: adoptCatalog,
				Hostname:  adoptHostname,
			},
		})
		if err != nil {
			return err
		}
		fmt.Printf("Job submitted: %s\n", jobID)
		return nil
	},
}

var unmanagedCmd = &cobra.Command{
	Use:   "unmanaged",
	Short: "List containers on Proxmox that are not tracked as applications",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		host, _ := cmd.Flags().GetString("host")

		c := newClient(addr)
		containers, err := c.listUnmanaged(cmd.Context(), host)
		if err != nil {
			return err
		}
		if len(containers) == 0 {
			fmt.Println("No unmanaged containers found")
			return nil
		}
		fmt.Printf("%-20s %-15s %s\n", "HOST", "NODE", "VMID")
		for _, u := range containers {
			fmt.Printf("%-20s %-15s %d\n", u.HostID, u.Node, u.VMID)
		}
		return nil
	},
}
