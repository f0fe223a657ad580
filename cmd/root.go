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
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/packagewjx/gpu-fleet-monitor/pkg/logutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	FlagConfig         = "config"
	FlagLogLevel       = "log-level"
	FlagLogDevelopment = "log-development"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gpu-fleet-monitor",
	Short: "GPU服务器集群监控",
	Long: "接收各服务器采集程序上报的主机与加速卡数据并保存，\n" +
		"对外提供集群汇总、单机详情以及GPU监控曲线等查询接口。",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, FlagConfig, "",
		"配置文件，默认为$HOME/.gpu-fleet-monitor.yaml")
	rootCmd.PersistentFlags().String(FlagLogLevel, "info", "日志级别")
	rootCmd.PersistentFlags().Bool(FlagLogDevelopment, false, "使用开发模式的日志格式")
	_ = viper.BindPFlag(FlagLogLevel, rootCmd.PersistentFlags().Lookup(FlagLogLevel))
	_ = viper.BindPFlag(FlagLogDevelopment, rootCmd.PersistentFlags().Lookup(FlagLogDevelopment))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".gpu-fleet-monitor" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".gpu-fleet-monitor")
	}

	// 环境变量FLEET_DATABASE_DSN对应database.dsn，FLEET_INGEST_TOKEN对应ingest-token
	viper.SetEnvPrefix("FLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newLogger() (*zap.Logger, error) {
	return logutil.New(viper.GetString(FlagLogLevel), viper.GetBool(FlagLogDevelopment))
}
