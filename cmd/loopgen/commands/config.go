package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-yaml"

	"github.com/loopgen/loopgen/pkg/checkpoint"
	"github.com/loopgen/loopgen/pkg/chunkdb"
	"github.com/loopgen/loopgen/pkg/codec"
	"github.com/loopgen/loopgen/pkg/control"
	"github.com/loopgen/loopgen/pkg/dataset"
	"github.com/loopgen/loopgen/pkg/gen"
	"github.com/loopgen/loopgen/pkg/looper"
	"github.com/loopgen/loopgen/pkg/ort"
	"github.com/loopgen/loopgen/pkg/trainer"
)

// Config is the application configuration (loopgen.yaml).
type Config struct {
	Codec       CodecConfig      `yaml:"codec"`
	Control     control.Config   `yaml:"control"`
	DB          DBConfig         `yaml:"db"`
	Dataset     DatasetConfig    `yaml:"dataset"`
	Trainer     TrainerConfig    `yaml:"trainer"`
	Checkpoints CheckpointConfig `yaml:"checkpoints"`
	Serve       ServeConfig      `yaml:"serve"`
	Looper      looper.Config    `yaml:"looper"`
}

// CodecConfig selects and configures the codec implementation.
type CodecConfig struct {
	// Type is "synth" or "onnx". Default synth.
	Type  string            `yaml:"type"`
	Synth codec.SynthConfig `yaml:"synth"`
	ONNX  codec.ONNXConfig  `yaml:"onnx"`
}

// DBConfig locates the chunk database.
type DBConfig struct {
	Path string `yaml:"path"`

	// Query overrides the default chunk query.
	Query string `yaml:"query,omitempty"`
}

// DatasetConfig extends the loader config with cache and split settings.
type DatasetConfig struct {
	dataset.Config `yaml:",inline"`

	CacheDir      string  `yaml:"cache_dir,omitempty"`
	InMemoryCache bool    `yaml:"in_memory_cache,omitempty"`
	ValFraction   float64 `yaml:"val_fraction"`
	SplitSeed     uint64  `yaml:"split_seed"`
}

// TrainerConfig extends the loop config with the runtime address.
type TrainerConfig struct {
	trainer.Config `yaml:",inline"`

	// RuntimeURL is the websocket address of the model runtime.
	RuntimeURL string `yaml:"runtime_url"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Dir string    `yaml:"dir,omitempty"`
	S3  *S3Config `yaml:"s3,omitempty"`
}

// S3Config configures an S3-backed checkpoint store. Credentials fall
// back to the usual AWS environment variables when empty.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix,omitempty"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
}

// ServeConfig configures the serving endpoint.
type ServeConfig struct {
	Addr string `yaml:"addr"`

	// CheckpointID selects the checkpoint to serve; empty serves the
	// latest.
	CheckpointID string `yaml:"checkpoint_id,omitempty"`

	// Model locates the exported transformer graph.
	Model gen.ONNXModelConfig `yaml:"model"`

	Sampling gen.Config `yaml:"sampling"`
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{
		Codec:   CodecConfig{Type: "synth", Synth: codec.DefaultSynthConfig()},
		Control: control.DefaultConfig(),
		Dataset: DatasetConfig{Config: dataset.DefaultConfig(), ValFraction: 0.1},
		Trainer: TrainerConfig{Config: trainer.DefaultConfig()},
		Serve:   ServeConfig{Addr: ":8080", Sampling: gen.DefaultConfig()},
		Looper:  looper.DefaultConfig(),
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// buildCodec instantiates the configured codec. env is only used for
// the onnx type and may be nil otherwise.
func (c *Config) buildCodec(env *ort.Env) (codec.Codec, error) {
	switch c.Codec.Type {
	case "", "synth":
		return codec.NewSynth(c.Codec.Synth)
	case "onnx":
		if env == nil {
			var err error
			env, err = ort.NewEnv("loopgen")
			if err != nil {
				return nil, err
			}
		}
		return codec.NewONNX(env, c.Codec.ONNX)
	default:
		return nil, fmt.Errorf("unknown codec type %q", c.Codec.Type)
	}
}

// buildStore instantiates the configured checkpoint store.
func (c *Config) buildStore() (*checkpoint.Store, error) {
	cc := c.Checkpoints
	switch {
	case cc.S3 != nil:
		return checkpoint.NewStore(newS3FileStore(cc.S3)), nil
	case cc.Dir != "":
		local, err := checkpoint.NewLocal(cc.Dir)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewStore(local), nil
	default:
		return nil, fmt.Errorf("checkpoints: neither dir nor s3 configured")
	}
}

func newS3FileStore(sc *S3Config) *checkpoint.S3Store {
	opts := s3.Options{Region: sc.Region}
	if sc.Endpoint != "" {
		opts.BaseEndpoint = aws.String(sc.Endpoint)
		opts.UsePathStyle = true
	}
	if sc.AccessKey != "" {
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: sc.AccessKey, SecretAccessKey: sc.SecretKey}, nil
		})
	}
	return checkpoint.NewS3(s3.New(opts), sc.Bucket, sc.Prefix)
}

// openIndex opens the chunk database with the configured query.
func (c *Config) openIndex(ctx context.Context) (*chunkdb.Index, error) {
	if c.DB.Path == "" {
		return nil, fmt.Errorf("db: path is required")
	}
	query := c.DB.Query
	if query == "" {
		query = chunkdb.DefaultQuery
	}
	return chunkdb.Open(ctx, c.DB.Path, query)
}
