// Command detect runs a YOLO detector on images, a video or a camera and
// draws the detected objects.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/nvr-ai/go-yolo/config"
	"github.com/nvr-ai/go-yolo/detector"
	"github.com/nvr-ai/go-yolo/matching"
	"github.com/nvr-ai/go-yolo/models"
	"github.com/nvr-ai/go-yolo/models/postprocess"
	"github.com/nvr-ai/go-yolo/profiler"
	"github.com/nvr-ai/go-yolo/util"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// DefaultOutputDir is where annotated images are written.
const DefaultOutputDir = "detections"

var boxColor = color.RGBA{0, 255, 0, 0}

func main() {
	var (
		configPath   string
		imagePath    string
		videoPath    string
		deviceID     int
		outputDir    string
		showWindow   bool
		profile      bool
		simOTA       bool
		sizeRatio    float64
		iouThreshold float64
	)
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration")
	flag.StringVar(&imagePath, "image", "", "Path to an image file or a directory of images")
	flag.StringVar(&videoPath, "video", "", "Path to a video file")
	flag.IntVar(&deviceID, "device", -1, "Camera device to read from")
	flag.StringVar(&outputDir, "output-dir", DefaultOutputDir, "Output directory for annotated images")
	flag.BoolVar(&showWindow, "show-window", false, "Show visualization window")
	flag.BoolVar(&profile, "profile", false, "Log operation timings every few seconds")
	flag.BoolVar(&simOTA, "simota", false, "Match targets with SimOTA")
	flag.Float64Var(&sizeRatio, "size-ratio", 0, "Match targets by prior shape size ratio")
	flag.Float64Var(&iouThreshold, "iou-threshold", 0, "Match targets to every prior shape above this IoU")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			log.Fatal(err)
		}
	}
	if simOTA || sizeRatio > 0 || iouThreshold > 0 {
		m, err := matching.FromFlags(simOTA, flagValue(sizeRatio), flagValue(iouThreshold))
		if err != nil {
			log.Fatal(err)
		}
		m.IgnoreBGThreshold = cfg.Model.Options.Detection.Matching.IgnoreBGThreshold
		m.SpatialRange = cfg.Model.Options.Detection.Matching.SpatialRange
		cfg.Model.Options.Detection.Matching = m
	}

	logger, err := cfg.Logging.Build()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	args := cfg.Model
	args.Logger = logger
	net, err := models.NewNetwork(args)
	if err != nil {
		logger.Fatal("could not create network", zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	prof := profiler.New(profiler.Options{}, logger)
	if profile {
		prof.Start(ctx)
		defer prof.Report()
		defer prof.Stop()
	}
	yolo := detector.New(net, append(cfg.DetectorOptions(logger), detector.WithProfiler(prof))...)
	defer yolo.Close()

	r := &runner{
		yolo:       yolo,
		logger:     logger,
		profiler:   prof,
		classNames: cfg.ClassNames(),
		outputDir:  outputDir,
	}
	if imagePath != "" {
		err = r.images(ctx, imagePath)
	} else {
		err = r.video(ctx, videoPath, deviceID, showWindow)
	}
	if err != nil {
		logger.Fatal("detection failed", zap.Error(err))
	}
}

func flagValue(v float64) *float32 {
	if v <= 0 {
		return nil
	}
	f := float32(v)
	return &f
}

type runner struct {
	yolo       *detector.YOLO
	logger     *zap.Logger
	profiler   *profiler.Profiler
	classNames []string
	outputDir  string
}

// images detects objects in one image or every image of a directory and
// writes the annotated images to the output directory.
func (r *runner) images(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	var files []util.ImageFile
	if info.IsDir() {
		if files, err = util.LoadDirectoryImageFiles(path); err != nil {
			return err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = []util.ImageFile{{Path: path, Data: data, Frame: -1}}
	}
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return err
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := file.Decode()
		if err != nil {
			r.logger.Warn("skipping image", zap.Error(err))
			continue
		}
		start := time.Now()
		detections, err := r.yolo.Infer(ctx, img)
		if err != nil {
			return err
		}
		r.logger.Info("processed image",
			zap.String("path", file.Path),
			zap.Int("detections", detections.Len()),
			zap.Duration("elapsed", time.Since(start)),
		)

		mat, err := gocv.IMDecode(file.Data, gocv.IMReadColor)
		if err != nil {
			return err
		}
		r.draw(&mat, detections)
		outputPath := filepath.Join(r.outputDir, filepath.Base(file.Path))
		if !gocv.IMWrite(outputPath, mat) {
			r.logger.Warn("could not write image", zap.String("path", outputPath))
		}
		mat.Close()
	}
	return nil
}

// video detects objects in every frame of a video file, or of a camera when
// no path is given.
func (r *runner) video(ctx context.Context, path string, deviceID int, showWindow bool) error {
	var (
		capture *gocv.VideoCapture
		err     error
	)
	if path != "" {
		capture, err = gocv.OpenVideoCapture(path)
	} else {
		if deviceID < 0 {
			deviceID = 0
		}
		capture, err = gocv.OpenVideoCapture(deviceID)
	}
	if err != nil {
		return err
	}
	defer capture.Close()

	var window *gocv.Window
	if showWindow {
		window = gocv.NewWindow("Detections")
		defer window.Close()
	}

	img := gocv.NewMat()
	defer img.Close()

	fps := 0.0
	frameCount := 0
	lastTime := time.Now()
	for frame := 0; ctx.Err() == nil; frame++ {
		if ok := capture.Read(&img); !ok {
			r.logger.Info("capture closed", zap.Int("frames", frame))
			return nil
		}
		if img.Empty() {
			continue
		}
		stopFrame := r.profiler.StartOperation(profiler.OperationFrame)

		frameCount++
		if elapsed := time.Since(lastTime).Seconds(); elapsed >= 1.0 {
			fps = float64(frameCount) / elapsed
			frameCount = 0
			lastTime = time.Now()
		}

		rgb, err := img.ToImage()
		if err != nil {
			return err
		}
		detections, err := r.yolo.Infer(ctx, rgb)
		if err != nil {
			return err
		}
		r.logger.Debug("processed frame",
			zap.Int("frame", frame),
			zap.Int("detections", detections.Len()),
			zap.Float64("fps", fps),
		)

		r.draw(&img, detections)
		r.profiler.RecordMetric("detections", float64(detections.Len()))
		stopFrame()
		gocv.PutText(&img, fmt.Sprintf("FPS: %.1f", fps), image.Pt(10, 30), gocv.FontHersheyPlain, 1.2, color.RGBA{255, 255, 255, 0}, 2)
		if window != nil {
			window.IMShow(img)
			window.WaitKey(1)
		}
	}
	return ctx.Err()
}

func (r *runner) draw(img *gocv.Mat, detections postprocess.Detections) {
	for i, box := range detections.Boxes {
		rect := box.ToRect()
		label := fmt.Sprintf("%s %.2f", models.Label(r.classNames, detections.Labels[i]), detections.Scores[i])
		gocv.Rectangle(img, rect, boxColor, 2)
		gocv.PutText(img, label, rect.Min, gocv.FontHersheyPlain, 0.8, boxColor, 2)
	}
}
