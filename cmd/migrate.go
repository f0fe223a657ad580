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

	"github.com/packagewjx/gpu-fleet-monitor/internal/server"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "创建或更新数据库表",
	Long:    "连接数据库并创建设备、快照、加速卡、进程以及用户表。server启动时同样会执行本操作。",
	PreRunE: bindCommandFlags,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		config := serverConfig()
		config.Port = server.DefaultPort
		if err = config.Complete(); err != nil {
			return err
		}
		dao, err := server.NewDao(config.DatabaseDriver, config.DatabaseDSN, logger)
		if err != nil {
			return err
		}

		count, err := dao.CountDevices(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("数据库表已就绪，现有%d台设备\n", count)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	addDatabaseFlags(migrateCmd.Flags())
}
