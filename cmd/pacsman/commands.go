package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/imaging"
	"github.com/caio-sobreiro/pacsman/pacs"
)

var errUsage = errors.New("usage error")

func (a *app) flagSet(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() {
		fmt.Fprintf(a.stderr, "Usage: pacsman %s [flags] %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

// parse parses args and checks the positional argument count.
func parse(fs *flag.FlagSet, args []string, minArgs, maxArgs int) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < minArgs || fs.NArg() > maxArgs {
		fs.Usage()
		return errUsage
	}
	return nil
}

func (a *app) table(columns ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(columns, "\t"))
	return w
}

func runEcho(ctx context.Context, a *app, args []string) error {
	if err := parse(a.flagSet("echo", ""), args, 0, 0); err != nil {
		return err
	}
	ok, err := a.client.Echo(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("C-ECHO answered with a failure status")
	}
	successColor.Fprintln(a.stdout, "Echo succeeded")
	return nil
}

func runPatients(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("patients", "[query]")
	if err := parse(fs, args, 0, 1); err != nil {
		return err
	}
	patients, err := pacs.SearchPatients(ctx, a.client, fs.Arg(0))
	if err != nil {
		return err
	}

	w := a.table("PATIENT ID", "NAME", "BIRTH DATE", "SEX", "STUDIES", "LAST STUDY")
	for _, p := range patients {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			p.PatientID, p.PatientName, p.BirthDate, p.Sex, len(p.StudyInstanceUIDs), p.MostRecentStudyDate)
	}
	return w.Flush()
}

func runStudies(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("studies", "")
	var filter pacs.StudyFilter
	fs.StringVar(&filter.PatientID, "patient-id", "", "patient ID, wildcards allowed")
	fs.StringVar(&filter.PatientName, "name", "", "patient name, wildcards allowed")
	fs.StringVar(&filter.StudyInstanceUID, "uid", "", "study instance UID")
	fs.StringVar(&filter.Modality, "modality", "", "modality in study")
	fs.StringVar(&filter.AccessionNumber, "accession", "", "accession number")
	date := fs.String("date", "", "study date or range (YYYYMMDD-YYYYMMDD)")
	if err := parse(fs, args, 0, 0); err != nil {
		return err
	}
	dates, err := pacs.ParseDateRange(*date)
	if err != nil {
		return err
	}
	filter.DateRange = dates

	w := a.table("STUDY UID", "PATIENT ID", "DATE", "MODALITIES", "DESCRIPTION")
	for study, err := range a.client.FindStudies(ctx, filter) {
		if err != nil {
			_ = w.Flush()
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			study.ID.StudyInstanceUID, study.ID.PatientID, study.Date(),
			strings.Join(study.Modalities(), `\`), study.Description())
	}
	return w.Flush()
}

func runSeries(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("series", "<study-uid>")
	patientID := fs.String("patient-id", "", "patient ID of the study")
	var filter pacs.SeriesFilter
	fs.StringVar(&filter.Modality, "modality", "", "series modality")
	if err := parse(fs, args, 1, 1); err != nil {
		return err
	}
	study := pacs.StudyIdentifier{PatientID: *patientID, StudyInstanceUID: fs.Arg(0)}

	w := a.table("SERIES UID", "NUMBER", "MODALITY", "INSTANCES", "DESCRIPTION")
	for series, err := range a.client.FindSeries(ctx, study, filter) {
		if err != nil {
			_ = w.Flush()
			return err
		}
		count := ""
		if n := series.NumberOfInstances(); n >= 0 {
			count = strconv.Itoa(n)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			series.ID.SeriesInstanceUID, series.Attrs.GetString(dicom.TagSeriesNumber),
			series.Modality(), count, series.Attrs.GetString(dicom.TagSeriesDescription))
	}
	return w.Flush()
}

func runInstances(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("instances", "<study-uid> <series-uid>")
	maxCount := fs.Int("max", 0, "list at most this many instances, 0 for all")
	if err := parse(fs, args, 2, 2); err != nil {
		return err
	}
	series := pacs.SeriesIdentifier{StudyInstanceUID: fs.Arg(0), SeriesInstanceUID: fs.Arg(1)}

	w := a.table("SOP INSTANCE UID", "NUMBER", "SOP CLASS")
	for inst, err := range pacs.Limit(a.client.FindInstances(ctx, series), *maxCount) {
		if err != nil {
			_ = w.Flush()
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n",
			inst.ID.SOPInstanceUID, inst.InstanceNumber(), inst.Attrs.GetString(dicom.TagSOPClassUID))
	}
	return w.Flush()
}

func runRetrieve(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("retrieve", "<study-uid> [series-uid [sop-uid]]")
	out := fs.String("out", ".", "output directory")
	patientID := fs.String("patient-id", "", "patient ID of the study")
	if err := parse(fs, args, 1, 3); err != nil {
		return err
	}
	sink := pacs.DirSink{Dir: *out}

	var (
		result *pacs.RetrieveResult
		err    error
	)
	switch fs.NArg() {
	case 3:
		id := pacs.InstanceIdentifier{
			StudyInstanceUID:  fs.Arg(0),
			SeriesInstanceUID: fs.Arg(1),
			SOPInstanceUID:    fs.Arg(2),
		}
		ds, err := a.client.RetrieveInstance(ctx, id)
		if err != nil {
			return err
		}
		if err := sink.Put(ctx, ds); err != nil {
			return err
		}
		successColor.Fprintf(a.stdout, "Retrieved %s into %s\n", id.SOPInstanceUID, *out)
		return nil
	case 2:
		series := pacs.SeriesIdentifier{StudyInstanceUID: fs.Arg(0), SeriesInstanceUID: fs.Arg(1)}
		result, err = a.client.RetrieveSeries(ctx, series, sink)
	default:
		study := pacs.StudyIdentifier{PatientID: *patientID, StudyInstanceUID: fs.Arg(0)}
		result, err = a.client.RetrieveStudy(ctx, study, sink)
	}
	if err != nil {
		return err
	}
	return a.report(result, *out)
}

func (a *app) report(result *pacs.RetrieveResult, dir string) error {
	succeeded := len(result.Succeeded())
	requested := len(result.Requested())
	failed := result.Failed()
	for _, id := range result.FailedIDs() {
		failureColor.Fprintf(a.stdout, "Failed %s: %s\n", id, failed[id])
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d instances failed", len(failed), requested)
	}
	successColor.Fprintf(a.stdout, "Retrieved %d of %d instances into %s\n", succeeded, requested, dir)
	return nil
}

func runStore(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("store", "<file>...")
	if err := parse(fs, args, 1, math.MaxInt); err != nil {
		return err
	}

	var failed int
	for _, path := range fs.Args() {
		size, err := a.storeFile(ctx, path)
		if err != nil {
			failed++
			failureColor.Fprintf(a.stdout, "Failed %s: %v\n", path, err)
			continue
		}
		successColor.Fprintf(a.stdout, "Stored %s (%s)\n", path, humanize.Bytes(uint64(size)))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, fs.NArg())
	}
	return nil
}

// storeFile sends one Part 10 file and returns its size.
func (a *app) storeFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	ds, err := dicom.ReadPart10(data)
	if err != nil {
		return 0, err
	}
	ok, err := a.client.Store(ctx, ds)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("store was not accepted")
	}
	a.logger.Debug("Stored file",
		zap.String("path", path),
		zap.String("sop_instance_uid", ds.GetString(dicom.TagSOPInstanceUID)),
		zap.Int("bytes", len(data)))
	return len(data), nil
}

func runThumbnail(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("thumbnail", "<study-uid> <series-uid> [sop-uid]")
	size := fs.Int("size", 128, "bounding box side in pixels")
	square := fs.Bool("square", false, "pad the thumbnail to a square")
	frame := fs.Int("frame", 0, "frame of a multi-frame instance")
	out := fs.String("out", "thumbnail.png", "output PNG file")
	if err := parse(fs, args, 2, 3); err != nil {
		return err
	}
	if *size < 1 {
		return fmt.Errorf("size must be positive, got %d", *size)
	}

	var opts []imaging.Option
	if *square {
		opts = append(opts, imaging.WithSquare())
	}
	if *frame != 0 {
		opts = append(opts, imaging.WithFrame(*frame))
	}

	series := pacs.SeriesIdentifier{StudyInstanceUID: fs.Arg(0), SeriesInstanceUID: fs.Arg(1)}
	img, err := a.thumbnail(ctx, series, fs.Arg(2), imaging.Square(*size), opts)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(*out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := imaging.EncodePNG(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	successColor.Fprintf(a.stdout, "Wrote %dx%d thumbnail to %s\n", img.Columns, img.Rows, *out)
	return nil
}

// thumbnail renders the given instance, or the middle instance of the
// series when sopUID is empty.
func (a *app) thumbnail(ctx context.Context, series pacs.SeriesIdentifier, sopUID string, size imaging.Size, opts []imaging.Option) (*imaging.PixelImage, error) {
	if sopUID == "" {
		return pacs.SeriesThumbnail(ctx, a.client, series, size, opts...)
	}
	id := pacs.InstanceIdentifier{
		StudyInstanceUID:  series.StudyInstanceUID,
		SeriesInstanceUID: series.SeriesInstanceUID,
		SOPInstanceUID:    sopUID,
	}
	if len(opts) == 0 {
		return a.client.GetThumbnail(ctx, id, size)
	}
	ds, err := a.client.RetrieveInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return pacs.RenderThumbnail(ds, size, opts...)
}
