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
	"github.com/packagewjx/gpu-fleet-monitor/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	FlagPort            = "port"
	FlagDatabaseDriver  = "database.driver"
	FlagDatabaseDSN     = "database.dsn"
	FlagIngestToken     = "ingest-token"
	FlagSitePassword    = "site-password"
	FlagFreshnessWindow = "freshness-window"
	FlagIdleThreshold   = "idle-threshold"
	FlagMonitorLimit    = "monitor-limit"
	FlagMaxBodyBytes    = "max-body-bytes"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "集群监控服务器",
	Long: "本服务器接收采集程序通过/api/devices/ingest上报的数据（需要携带x-lab-token请求头），\n" +
		"每次上报在一个事务中保存设备、快照、加速卡以及进程用户。超过freshness-window没有新快照的设备视为离线。\n" +
		"查询接口按最近一次快照计算各设备状态与集群汇总数据。\n",
	PreRunE: bindCommandFlags,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		s, err := server.NewServer(serverConfig(), logger)
		if err != nil {
			return err
		}

		return s.Start()
	},
}

func serverConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:                 uint16(viper.GetUint(FlagPort)),
		DatabaseDriver:       viper.GetString(FlagDatabaseDriver),
		DatabaseDSN:          viper.GetString(FlagDatabaseDSN),
		IngestToken:          viper.GetString(FlagIngestToken),
		SitePassword:         viper.GetString(FlagSitePassword),
		FreshnessWindow:      viper.GetDuration(FlagFreshnessWindow),
		IdleThresholdPercent: viper.GetFloat64(FlagIdleThreshold),
		MonitorLimit:         viper.GetInt(FlagMonitorLimit),
		MaxBodyBytes:         viper.GetInt64(FlagMaxBodyBytes),
	}
}

// 各子命令的同名参数对应同一个配置项，执行时才绑定当前命令的参数
func bindCommandFlags(cmd *cobra.Command, args []string) error {
	return viper.BindPFlags(cmd.Flags())
}

// 数据库相关的参数server与migrate共用
func addDatabaseFlags(flags *pflag.FlagSet) {
	flags.String(FlagDatabaseDriver, server.DefaultDatabaseDriver,
		"数据库类型，可选mysql、postgres、sqlite")
	flags.String(FlagDatabaseDSN, "",
		"数据库连接字符串。使用mysql且为空时，读取环境变量MYSQL_SERVICE_HOST与MYSQL_SERVICE_PORT生成")
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().Uint16P(FlagPort, "p", server.DefaultPort,
		"服务端口号")
	addDatabaseFlags(serverCmd.Flags())
	serverCmd.Flags().String(FlagIngestToken, "",
		"上报令牌，为空时拒绝所有上报")
	serverCmd.Flags().String(FlagSitePassword, "",
		"站点密码，不为空时健康检查接口需要登录")
	serverCmd.Flags().Duration(FlagFreshnessWindow, server.DefaultFreshnessWindow,
		"超过此时间没有新快照的设备视为离线，至少为1分钟")
	serverCmd.Flags().Float64(FlagIdleThreshold, server.DefaultIdleThreshold,
		"显存利用率低于此百分比的加速卡视为空闲，为0时使用默认值")
	serverCmd.Flags().Int(FlagMonitorLimit, server.DefaultMonitorLimit,
		"监控曲线默认返回的快照数量")
	serverCmd.Flags().Int64(FlagMaxBodyBytes, server.DefaultMaxBodyBytes,
		"上报请求体的最大字节数")
}
