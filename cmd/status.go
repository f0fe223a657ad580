/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/packagewjx/gpu-fleet-monitor/pkg/client"
	"github.com/packagewjx/gpu-fleet-monitor/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "查看集群状态",
	Long:    "从服务器获取集群汇总数据，并按服务器列出在线状态、GPU利用率与显存占用。",
	Args:    cobra.NoArgs,
	PreRunE: bindCommandFlags,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewApiClient(viper.GetString(FlagUrl), "")
		data, err := c.GetServerData(cmd.Context())
		if err != nil {
			return err
		}
		return printFleet(cmd.OutOrStdout(), data)
	},
}

func printFleet(out io.Writer, data *server.FleetData) error {
	_, _ = fmt.Fprintf(out, "在线%d台，离线%d台，加速卡%d张（空闲%d张），平均GPU利用率%.2f%%，显存%s/%s\n\n",
		data.LiveServers, data.OfflineServers, data.TotalAccelerators, data.IdleAccelerators,
		data.AverageGpuUtilization, formatBytes(data.TotalGpuMemoryUsed), formatBytes(data.TotalGpuMemory))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTAG\tONLINE\tGPU%\tGPU MEMORY\tACCELERATORS")
	for _, info := range data.Result {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%.2f\t%s/%s\t%d\n",
			info.ID, info.Name, info.Tag, info.OnlineStatus, info.Status.GPU,
			formatBytes(info.Status.GpuMemoryUsedBytes), formatBytes(info.Status.GpuMemoryTotalBytes),
			len(info.Status.Accelerators))
	}
	return w.Flush()
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(statusCmd)

	addUrlFlag(statusCmd)
}
