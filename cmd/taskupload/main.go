// Command taskupload uploads local media files to a transcription task.
//
//	taskupload -task <id> [-tag <tag>] [-config upload.yml] <path|glob>...
//	taskupload -task <id> -download <file id> -o <dest>
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/transcribe-hub/go-upload/upload"
	"github.com/transcribe-hub/go-upload/upload/network"
	"github.com/transcribe-hub/go-upload/upload/network/chunkuploader"
)

type options struct {
	taskID     string
	tag        string
	configPath string
	downloadID string
	output     string
	paths      []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], env.NewRepository(), log.NewLogger(), os.Stderr))
}

func parseArgs(args []string, output io.Writer) (options, error) {
	var opts options
	flags := flag.NewFlagSet("taskupload", flag.ContinueOnError)
	flags.SetOutput(output)
	flags.StringVar(&opts.taskID, "task", "", "id of the task the files belong to (required)")
	flags.StringVar(&opts.tag, "tag", upload.TagOriginal, "file tag sent with every file")
	flags.StringVar(&opts.configPath, "config", "", "optional YAML config file, overridden by TRANSCRIBE_* env vars")
	flags.StringVar(&opts.downloadID, "download", "", "download the file with this id instead of uploading")
	flags.StringVar(&opts.output, "o", "", "destination of -download")

	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	opts.paths = flags.Args()

	switch {
	case opts.taskID == "":
		return options{}, errors.New("-task is required")
	case opts.downloadID != "" && opts.output == "":
		return options{}, errors.New("-o is required with -download")
	case opts.downloadID == "" && len(opts.paths) == 0:
		return options{}, errors.New("no files to upload")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, envRepo env.Repository, logger log.Logger, output io.Writer) int {
	opts, err := parseArgs(args, output)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			logger.Errorf("%s", err)
		}
		return 2
	}

	config, err := upload.NewConfig(envRepo, opts.configPath)
	if err != nil {
		logger.Errorf("Invalid configuration: %s", err)
		return 1
	}
	logger.EnableDebugLog(config.Verbose)
	logger.Debugf("API: %s, token: %s, max sessions: %d, chunk concurrency: %d",
		config.APIBaseURL, config.AccessToken, config.MaxActiveSessions, config.Chunk.Concurrency)

	client := network.NewClient(
		network.NewRetryableClient(logger, 0, 0, 0),
		chunkuploader.DefaultHTTPClient(),
		config.APIBaseURL,
		string(config.AccessToken),
		logger,
	)
	defer client.CloseIdleConnections()

	if opts.downloadID != "" {
		return download(ctx, client, opts, logger)
	}

	tracker := upload.NewTracker(config.Analytics, opts.taskID, logger)
	orchestrator := upload.NewOrchestrator(config, client, tracker, logger)
	defer orchestrator.Close()

	evaluator := pathEvaluator{
		logger:       logger,
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
	}
	paths := evaluator.evaluate(opts.paths)
	if len(paths) == 0 {
		logger.Errorf("No files to upload")
		return 1
	}

	if failed := uploadAll(ctx, orchestrator, opts, paths, logger); failed > 0 {
		logger.Errorf("%d of %d files failed to upload", failed, len(paths))
		return 1
	}
	logger.Donef("All %d files uploaded", len(paths))
	return 0
}

func uploadAll(ctx context.Context, orchestrator *upload.Orchestrator, opts options, paths []string, logger log.Logger) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, path := range paths {
		file, closer, err := upload.OpenFile(path, opts.tag)
		if err != nil {
			logger.Errorf("%s", err)
			mu.Lock()
			failed++
			mu.Unlock()
			continue
		}

		u := orchestrator.StartUpload(ctx, opts.taskID, file, progressPrinter(file.Name, logger))

		wg.Add(1)
		go func(path string, u *upload.Upload, closer io.Closer) {
			defer wg.Done()
			defer closer.Close()

			record, err := u.Wait()
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			logger.Printf("%s -> file id %s (%s, md5 %s)", path, record.FileID, record.FileType, record.FileMD5)
		}(path, u, closer)
	}

	wg.Wait()
	return failed
}

// progressPrinter logs status changes and every 10% step.
func progressPrinter(name string, logger log.Logger) upload.ProgressFunc {
	lastStatus := upload.Status("")
	lastStep := -1
	return func(p upload.Progress) {
		step := int(p.Percent) / 10
		if p.Status == lastStatus && step == lastStep {
			return
		}
		lastStatus, lastStep = p.Status, step

		switch p.Status {
		case upload.StatusError:
			logger.Warnf("%s: %s at %.0f%%: %s", name, p.Status, p.Percent, p.Err)
		case upload.StatusCompleted:
			logger.Donef("%s: %s", name, p.Status)
		default:
			logger.Infof("%s: %s %.0f%% (%d/%d chunks)", name, p.Status, p.Percent, p.UploadedChunks, p.TotalChunks)
		}
	}
}

func download(ctx context.Context, client *network.Client, opts options, logger log.Logger) int {
	logger.Infof("Downloading %s to %s", opts.downloadID, opts.output)
	err := client.DownloadFile(ctx, network.DownloadParams{
		TaskID: opts.taskID,
		FileID: opts.downloadID,
		Dest:   opts.output,
	})
	if err != nil {
		logger.Errorf("Download failed: %s", err)
		return 1
	}

	info, err := os.Stat(opts.output)
	if err != nil {
		logger.Errorf("%s", err)
		return 1
	}
	logger.Donef("Downloaded %s (%s)", opts.output, units.HumanSizeWithPrecision(float64(info.Size()), 3))
	return 0
}
