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
	"io"
	"os"

	"github.com/packagewjx/gpu-fleet-monitor/pkg/client"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const FlagUrl = "url"

// pushCmd represents the push command
var pushCmd = &cobra.Command{
	Use:   "push payloadFile",
	Short: "将一次采集数据上报到服务器",
	Long: "读取JSON格式的采集数据文件并上报到服务器的/api/devices/ingest接口。\n" +
		"payloadFile为-时从标准输入读取，可以直接接在采集脚本之后。",
	Args:    cobra.ExactArgs(1),
	PreRunE: bindCommandFlags,
	RunE: func(cmd *cobra.Command, args []string) error {
		var reader io.Reader = os.Stdin
		if args[0] != "-" {
			file, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "打开数据文件出错")
			}
			defer file.Close()
			reader = file
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			return errors.Wrap(err, "读取数据文件出错")
		}

		c := client.NewApiClient(viper.GetString(FlagUrl), viper.GetString(FlagIngestToken))
		if err = c.Ingest(cmd.Context(), body); err != nil {
			return err
		}
		cmd.Println("上报成功")
		return nil
	},
}

func addUrlFlag(cmd *cobra.Command) {
	cmd.Flags().StringP(FlagUrl, "u", client.DefaultApiHostBaseUrl, "服务器地址")
}

func init() {
	rootCmd.AddCommand(pushCmd)

	addUrlFlag(pushCmd)
	pushCmd.Flags().StringP(FlagIngestToken, "t", "", "上报令牌")
}
