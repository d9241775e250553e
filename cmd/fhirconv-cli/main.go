package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	fhirconv "github.com/caremorph/go-fhirconv"
	"github.com/caremorph/go-fhirconv/pkg/telemetry"
	"github.com/caremorph/go-fhirconv/pkg/templates"
)

type cliConfig struct {
	TimeoutMS    int    `yaml:"timeout_ms"`
	TemplatesDir string `yaml:"templates_dir"`
}

func main() {
	format := flag.String("format", "hl7v2", "input format: hl7v2, ccda, json, fhir")
	templateName := flag.String("template", "", "root template name to render")
	templatesDir := flag.String("templates-dir", "", "directory holding template files")
	input := flag.String("input", "", "input document path (stdin if empty)")
	output := flag.String("output", "", "output file (stdout if empty)")
	timeoutMS := flag.Int("timeout-ms", 0, "per-conversion time budget in milliseconds, <=0 disables")
	configPath := flag.String("config", "", "optional YAML config file")
	verbose := flag.Bool("verbose", false, "log conversion events")
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) { w.Out = os.Stderr })).
		With().Timestamp().Logger()

	cfg := cliConfig{TimeoutMS: *timeoutMS, TemplatesDir: *templatesDir}
	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
		if *timeoutMS != 0 {
			cfg.TimeoutMS = *timeoutMS
		}
		if *templatesDir != "" {
			cfg.TemplatesDir = *templatesDir
		}
	}

	if *templateName == "" {
		log.Fatal().Msg("-template is required")
	}
	if cfg.TemplatesDir == "" {
		log.Fatal().Msg("-templates-dir is required")
	}

	store, err := templates.NewDirectoryStore(cfg.TemplatesDir)
	if err != nil {
		log.Fatal().Err(err).Msg("load templates")
	}

	var opts []fhirconv.Option
	if *verbose {
		opts = append(opts, fhirconv.WithTelemetry(telemetry.NewLoggerSink(log)))
	}

	proc, err := fhirconv.NewProcessor(*format, fhirconv.Config{TimeoutMS: cfg.TimeoutMS}, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("create processor")
	}

	raw, err := readInput(*input)
	if err != nil {
		log.Fatal().Err(err).Msg("read input")
	}

	out, err := proc.Convert(context.Background(), raw, *templateName, store)
	if err != nil {
		log.Fatal().Err(err).Str("template", *templateName).Msg("conversion failed")
	}

	if *output != "" {
		if err := os.WriteFile(*output, []byte(out), 0o644); err != nil {
			log.Fatal().Err(err).Msg("write output")
		}
		log.Info().Str("path", *output).Msg("output written")
		return
	}
	fmt.Println(out)
}

func loadConfig(path string, cfg *cliConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func readInput(path string) (string, error) {
	if path == "" {
		raw, err := io.ReadAll(os.Stdin)
		return string(raw), err
	}
	raw, err := os.ReadFile(path)
	return string(raw), err
}
