package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway controller process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
}

// ServerConfig contains the listener settings for the control-plane RPC
// front door. The front door itself is an external collaborator; this repo
// only carries the address it would bind so it can be threaded through at
// wiring time.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// PathsConfig names the on-disk locations this process reads firmware and
// profile data from, and the host files it consults at startup.
type PathsConfig struct {
	BoardTypeFile      string `mapstructure:"board_type_file"`
	DefaultProfileFile string `mapstructure:"default_profile_file"`
	FirmwareControlNode string `mapstructure:"firmware_control_node"`
	FirmwareIdleM3      string `mapstructure:"firmware_idle_m3"`
	FirmwareAutotestM3  string `mapstructure:"firmware_autotest_m3"`
	FirmwareAutotestA8  string `mapstructure:"firmware_autotest_a8"`
	MeasuresDir         string `mapstructure:"measures_dir"`
}

// GatewayConfig carries gateway-identity settings that are not part of the
// experiment protocol but are useful to have threaded through config rather
// than hardcoded: the control-node bridge binary, the open-node TCP relay
// port, and SSH settings for the A8 tunnel.
type GatewayConfig struct {
	ControlNodeTTY      string `mapstructure:"control_node_tty"`
	ControlNodeBridge   string `mapstructure:"control_node_bridge_bin"`
	OpenNodeTTY         string `mapstructure:"open_node_tty"`
	OpenNodeRelayPort   int    `mapstructure:"open_node_relay_port"`
	A8SSHHost           string `mapstructure:"a8_ssh_host"`
	A8SSHUser           string `mapstructure:"a8_ssh_user"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("gatewayd")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("GATEWAYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.dir", "./logs")

	v.SetDefault("paths.board_type_file", "/var/local/config/board_type")
	v.SetDefault("paths.default_profile_file", "/var/local/config/profile.json")
	v.SetDefault("paths.firmware_control_node", "/var/local/fw/control_node.elf")
	v.SetDefault("paths.firmware_idle_m3", "/var/local/fw/idle_m3.elf")
	v.SetDefault("paths.firmware_autotest_m3", "/var/local/fw/autotest_m3.elf")
	v.SetDefault("paths.firmware_autotest_a8", "/var/local/fw/autotest_a8.elf")
	v.SetDefault("paths.measures_dir", "/var/local/measures")

	v.SetDefault("gateway.control_node_tty", "/dev/ttyCN")
	v.SetDefault("gateway.control_node_bridge_bin", "cn_serial_interface")
	v.SetDefault("gateway.open_node_tty", "/dev/ttyON")
	v.SetDefault("gateway.open_node_relay_port", 20000)
	v.SetDefault("gateway.a8_ssh_host", "a8")
	v.SetDefault("gateway.a8_ssh_user", "root")
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".gatewayd")
}
