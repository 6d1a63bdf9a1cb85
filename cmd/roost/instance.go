package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roost-run/roost/pkg/config"
	"github.com/roost-run/roost/pkg/types"
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage tool instances",
}

var instanceDeployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a tool instance from a manifest",
	Long: `Submit a tool instance manifest to the controller.

The controller persists the spec and converges the target node toward
it on the next reconcile cycle.

Example:
  roost instance deploy -f pdf-renderer.yaml`,
	RunE: runInstanceDeploy,
}

var instanceStartCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Set an instance's desired state to running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setDesiredState(cmd, args[0], types.DesiredRunning)
	},
}

var instanceStopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Set an instance's desired state to stopped",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setDesiredState(cmd, args[0], types.DesiredStopped)
	},
}

var instanceRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Set an instance's desired state to absent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setDesiredState(cmd, args[0], types.DesiredAbsent)
	},
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List desired specs",
	RunE:  runInstanceList,
}

var instanceStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show an instance's desired spec and last reported status",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceStatus,
}

func init() {
	instanceCmd.PersistentFlags().String("controller", "http://localhost:9090", "Controller admin API address")
	instanceDeployCmd.Flags().StringP("file", "f", "", "Instance manifest (required)")
	_ = instanceDeployCmd.MarkFlagRequired("file")

	instanceCmd.AddCommand(instanceDeployCmd)
	instanceCmd.AddCommand(instanceStartCmd)
	instanceCmd.AddCommand(instanceStopCmd)
	instanceCmd.AddCommand(instanceRemoveCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceStatusCmd)
}

func runInstanceDeploy(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	spec, err := config.LoadInstanceManifest(file)
	if err != nil {
		return err
	}
	if spec.NodeID == "" {
		return fmt.Errorf("manifest must set node_id")
	}

	// Pick up the stored version so the write is a clean update rather
	// than a conflict.
	if current, err := fetchSpec(cmd, spec.InstanceName); err == nil {
		spec.Version = current.Version
		spec.InstanceID = current.InstanceID
	}

	stored, err := putSpec(cmd, spec)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Spec accepted: %s (version %d, desired %s, node %s)\n",
		stored.InstanceName, stored.Version, stored.DesiredState, stored.NodeID)
	return nil
}

func setDesiredState(cmd *cobra.Command, name string, desired types.DesiredState) error {
	spec, err := fetchSpec(cmd, name)
	if err != nil {
		return err
	}
	spec.DesiredState = desired
	spec.UpdatedAt = time.Now()

	stored, err := putSpec(cmd, spec)
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s desired state set to %s (version %d)\n", name, desired, stored.Version)
	return nil
}

func runInstanceList(cmd *cobra.Command, args []string) error {
	var specs []*types.ToolInstanceSpec
	if err := controllerGet(cmd, "/v1/specs", &specs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIMAGE\tNODE\tDESIRED\tVERSION")
	for _, s := range specs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", s.InstanceName, s.Image, s.NodeID, s.DesiredState, s.Version)
	}
	return w.Flush()
}

func runInstanceStatus(cmd *cobra.Command, args []string) error {
	spec, err := fetchSpec(cmd, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Name:      %s\n", spec.InstanceName)
	fmt.Printf("Image:     %s\n", spec.Image)
	fmt.Printf("Node:      %s\n", spec.NodeID)
	fmt.Printf("Desired:   %s\n", spec.DesiredState)
	fmt.Printf("Version:   %d\n", spec.Version)

	var statuses []*types.ToolInstanceStatus
	if err := controllerGet(cmd, "/v1/nodes/"+spec.NodeID+"/statuses", &statuses); err != nil {
		return err
	}
	for _, st := range statuses {
		if st.InstanceName != spec.InstanceName {
			continue
		}
		fmt.Printf("Actual:    %s (applied version %d, observed %s)\n",
			st.ActualState, st.AppliedVersion, st.LastObservedAt.Format(time.RFC3339))
		if st.LastError != "" {
			fmt.Printf("LastError: %s\n", st.LastError)
		}
		return nil
	}
	fmt.Println("Actual:    no status reported yet")
	return nil
}

func fetchSpec(cmd *cobra.Command, name string) (*types.ToolInstanceSpec, error) {
	var spec types.ToolInstanceSpec
	if err := controllerGet(cmd, "/v1/specs/"+name, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func putSpec(cmd *cobra.Command, spec *types.ToolInstanceSpec) (*types.ToolInstanceSpec, error) {
	addr, _ := cmd.Flags().GetString("controller")

	data, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPut, addr+"/v1/specs", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("controller unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, controllerError(resp)
	}
	var stored types.ToolInstanceSpec
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func controllerGet(cmd *cobra.Command, path string, out any) error {
	addr, _ := cmd.Flags().GetString("controller")

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("controller unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return controllerError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func controllerError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return fmt.Errorf("controller returned %s", resp.Status)
	}
	return fmt.Errorf("%s", body.Error)
}
