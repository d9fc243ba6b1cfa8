package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/determined-ai/determined/harness/pkg/distributed"
	"github.com/determined-ai/determined/harness/pkg/model"
)

type workerInfo struct {
	OnCluster   bool                 `json:"on_cluster"`
	ClusterInfo *model.ClusterInfo   `json:"cluster_info,omitempty"`
	Topology    distributed.Topology `json:"topology"`
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the launch environment of this worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := cfg.ClusterInfo()
		if err != nil {
			return err
		}
		topo, ok, err := distributed.TopologyFromEnv(os.LookupEnv)
		if err != nil {
			return err
		} else if !ok {
			topo = distributed.SingleProcess
		}
		return printYAML(workerInfo{OnCluster: info != nil, ClusterInfo: info, Topology: topo})
	},
}
