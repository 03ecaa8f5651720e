// Package config loads the labvisord configuration from YAML with
// environment overrides. Memory and disk sizes are written the human way
// ("1024M", "10G") and parsed through go-units.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse naturally.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full labvisord configuration.
type Config struct {
	StateDir  string    `yaml:"state_dir"`
	Gateway   Gateway   `yaml:"gateway"`
	VM        VM        `yaml:"vm"`
	Pool      Pool      `yaml:"pool"`
	Session   Session   `yaml:"session"`
	Recording Recording `yaml:"recording"`
	Ansible   Ansible   `yaml:"ansible"`
}

// Gateway selects and configures the hypervisor backend.
type Gateway struct {
	Kind       string `yaml:"kind"`        // libvirt, qemu or fake
	URI        string `yaml:"uri"`         // libvirt connection URI
	Network    string `yaml:"network"`     // libvirt network guests lease addresses from
	StorageDir string `yaml:"storage_dir"` // domain disks (libvirt) or work dir (qemu)
	BackupDir  string `yaml:"backup_dir"`  // full snapshot copies
}

// VM carries the defaults new lab VMs are created with.
type VM struct {
	BaseImage string   `yaml:"base_image"`
	VCPUs     int      `yaml:"vcpus"`
	Memory    string   `yaml:"memory"`
	DiskSize  string   `yaml:"disk_size"`
	StopWait  Duration `yaml:"stop_wait"`

	SSHUser     string `yaml:"ssh_user"`
	SSHPort     int    `yaml:"ssh_port"`
	SSHPassword string `yaml:"ssh_password"`
	SSHKeyPath  string `yaml:"ssh_key_path"`
}

// Pool configures the hot VM pool.
type Pool struct {
	Target            int      `yaml:"target"`
	Prefix            string   `yaml:"prefix"`
	ReplenishInterval Duration `yaml:"replenish_interval"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
	FillWorkers       int      `yaml:"fill_workers"`
	WarmRunning       bool     `yaml:"warm_running"`
	CallerNaming      bool     `yaml:"caller_naming"`
}

// Session configures the terminal proxy.
type Session struct {
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// Recording configures the session recorder.
type Recording struct {
	Dir       string `yaml:"dir"`
	QueueSize int    `yaml:"queue_size"`
}

// Ansible configures the post-boot configuration pass. Disabled unless a
// playbook is set.
type Ansible struct {
	Playbook  string `yaml:"playbook"`
	Inventory string `yaml:"inventory"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StateDir: "/var/lib/labvisor",
		Gateway: Gateway{
			Kind:       "libvirt",
			URI:        "qemu:///system",
			Network:    "default",
			StorageDir: "/var/lib/labvisor/disks",
		},
		VM: VM{
			VCPUs:    1,
			Memory:   "1024M",
			DiskSize: "10G",
			StopWait: Duration(30 * time.Second),
			SSHUser:  "student",
			SSHPort:  22,
		},
		Pool: Pool{
			Target:            3,
			Prefix:            "hot-vm-",
			ReplenishInterval: Duration(30 * time.Second),
			ReconcileInterval: Duration(60 * time.Second),
			FillWorkers:       2,
		},
		Session: Session{
			IdleTimeout: Duration(30 * time.Minute),
		},
		Recording: Recording{
			Dir:       "/var/lib/labvisor/recordings",
			QueueSize: 256,
		},
	}
}

// Load reads the file at path on top of the defaults, then applies
// environment overrides. An empty path skips the file and still applies the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, errors.Errorf("opening config file: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, errors.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.StateDir = getEnv("LABVISOR_STATE_DIR", c.StateDir)
	c.Gateway.Kind = getEnv("LABVISOR_GATEWAY", c.Gateway.Kind)
	c.Gateway.URI = getEnv("LABVISOR_LIBVIRT_URI", c.Gateway.URI)
	c.Gateway.StorageDir = getEnv("LABVISOR_STORAGE_DIR", c.Gateway.StorageDir)
	c.VM.BaseImage = getEnv("LABVISOR_BASE_IMAGE", c.VM.BaseImage)
	c.Recording.Dir = getEnv("LABVISOR_RECORDING_DIR", c.Recording.Dir)
	if v := os.Getenv("LABVISOR_POOL_TARGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.Target = n
		}
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Validate rejects configurations the managers cannot run with.
func (c Config) Validate() error {
	switch c.Gateway.Kind {
	case "libvirt", "qemu", "fake":
	default:
		return errors.Errorf("unknown gateway kind %q", c.Gateway.Kind)
	}
	if c.Pool.Target < 0 {
		return errors.Errorf("pool target must not be negative, got %d", c.Pool.Target)
	}
	if c.Pool.Prefix == "" {
		return errors.New("pool prefix must not be empty")
	}
	if _, err := c.MemoryMB(); err != nil {
		return err
	}
	if _, err := c.DiskSizeGB(); err != nil {
		return err
	}
	return nil
}

// MemoryMB parses the configured VM memory into MiB.
func (c Config) MemoryMB() (int, error) {
	b, err := units.RAMInBytes(c.VM.Memory)
	if err != nil {
		return 0, errors.Errorf("parsing vm memory %q: %w", c.VM.Memory, err)
	}
	return int(b / units.MiB), nil
}

// DiskSizeGB parses the configured VM disk size into GiB.
func (c Config) DiskSizeGB() (int, error) {
	b, err := units.RAMInBytes(c.VM.DiskSize)
	if err != nil {
		return 0, errors.Errorf("parsing vm disk size %q: %w", c.VM.DiskSize, err)
	}
	return int(b / units.GiB), nil
}

// AnsibleEnabled reports whether the configuration pass should run.
func (c Config) AnsibleEnabled() bool {
	return c.Ansible.Playbook != ""
}
