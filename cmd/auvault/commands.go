package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/config"
	"github.com/marmos91/auvault/pkg/repository"
	"github.com/marmos91/auvault/pkg/store/content"
	"github.com/marmos91/auvault/pkg/store/metadata"
)

// urlFlags are shared by the commands that address one URL of one AU.
type urlFlags struct {
	au      string
	url     string
	version int64
}

func addURLFlags(fs *pflag.FlagSet, withVersion bool) *urlFlags {
	f := &urlFlags{}
	fs.StringVar(&f.au, "au", "", "AU identifier")
	fs.StringVar(&f.url, "url", "", "URL of the file")
	if withVersion {
		fs.Int64Var(&f.version, "version", 0, "Version ID (default: the preferred version)")
	}
	return f
}

func (f *urlFlags) file(ctx context.Context, au *repository.AuRepository, create bool) (*repository.File, error) {
	if f.url == "" {
		return nil, fmt.Errorf("--url is required")
	}
	return au.GetFile(ctx, f.url, create)
}

func (f *urlFlags) selectVersion(ctx context.Context, file *repository.File) (*repository.Version, error) {
	if f.version != 0 {
		return file.Version(ctx, metadata.VersionID(f.version))
	}
	return file.PreferredVersion(ctx)
}

func runPut(ctx context.Context, args []string) error {
	fs, g := newFlagSet("put", "--au AU --url URL [--header K=V]... [FILE|-]")
	target := addURLFlags(fs, false)
	headers := fs.StringArrayP("header", "H", nil, "Header stored with the content, as KEY=VALUE (repeatable)")
	contentType := fs.String("content-type", "", "Content type of the stored record (default: "+content.DefaultContentType+")")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	in := io.Reader(os.Stdin)
	if src := fs.Arg(0); src != "" && src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	props := make(map[string]string, len(*headers))
	for _, h := range *headers {
		key, value, ok := strings.Cut(h, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid header %q, expected KEY=VALUE", h)
		}
		// Content-Type belongs to the envelope, not to the extra headers
		if strings.EqualFold(key, "Content-Type") {
			if *contentType == "" {
				*contentType = value
			}
			continue
		}
		props[key] = value
	}

	au, cleanup, err := openAU(ctx, g, target.au)
	if err != nil {
		return err
	}
	defer cleanup()

	file, err := target.file(ctx, au, true)
	if err != nil {
		return err
	}
	version, err := file.CreateNewVersion(ctx)
	if err != nil {
		return err
	}
	if err := fillVersion(ctx, version, in, *contentType, props); err != nil {
		if abandonErr := version.Abandon(ctx); abandonErr != nil {
			logger.Warn("Failed to abandon version %s of %s: %v", version.ID(), target.url, abandonErr)
		}
		return err
	}

	size, err := version.ContentSize(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s version %s committed (%s)\n", target.url, version.ID(), humanize.IBytes(uint64(size)))
	return nil
}

// fillVersion stages content and envelope fields on an Editing version and
// commits it.
func fillVersion(ctx context.Context, version *repository.Version, in io.Reader, contentType string, headers map[string]string) error {
	if err := version.SetContent(ctx, in); err != nil {
		return err
	}
	if contentType != "" {
		if err := version.SetContentType(ctx, contentType); err != nil {
			return err
		}
	}
	if len(headers) > 0 {
		if err := version.SetHeaders(ctx, headers); err != nil {
			return err
		}
	}
	return version.Commit(ctx)
}

func runGet(ctx context.Context, args []string) error {
	fs, g := newFlagSet("get", "--au AU --url URL [--version ID]")
	target := addURLFlags(fs, true)
	showHeaders := fs.Bool("headers", false, "Print the stored headers to stderr")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	au, cleanup, err := openAU(ctx, g, target.au)
	if err != nil {
		return err
	}
	defer cleanup()

	file, err := target.file(ctx, au, false)
	if err != nil {
		return err
	}
	version, err := target.selectVersion(ctx, file)
	if err != nil {
		return err
	}

	if *showHeaders {
		contentType, err := version.ContentType(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Content-Type: %s\n", contentType)
		headers, err := version.Headers(ctx)
		if err != nil {
			return err
		}
		for k, v := range headers {
			fmt.Fprintf(os.Stderr, "%s: %s\n", k, v)
		}
	}

	r, err := version.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	_, err = io.Copy(os.Stdout, r)
	return err
}

func runVersions(ctx context.Context, args []string) error {
	fs, g := newFlagSet("versions", "--au AU --url URL [--limit N]")
	target := addURLFlags(fs, false)
	limit := fs.Int("limit", 0, "Show at most N versions, newest first (0 = all)")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	au, cleanup, err := openAU(ctx, g, target.au)
	if err != nil {
		return err
	}
	defer cleanup()

	file, err := target.file(ctx, au, false)
	if err != nil {
		return err
	}
	versions, err := file.ListVersions(ctx, *limit)
	if err != nil {
		return err
	}
	var preferred metadata.VersionID
	if pv, err := file.PreferredVersion(ctx); err == nil {
		preferred = pv.ID()
	} else if !errors.Is(err, repository.ErrNoPreferredVersion) {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSIZE\tCOMMITTED\tFLAGS")
	for _, v := range versions {
		rec, err := v.Record(ctx)
		if err != nil {
			return err
		}

		state, size, committed := "editing", "-", "-"
		if rec.Locked {
			state = "committed"
			size = humanize.IBytes(uint64(rec.ContentSize))
			committed = humanize.Time(rec.CommittedAt)
		}
		var flags []string
		if rec.ID == preferred {
			flags = append(flags, "preferred")
		}
		if rec.Deleted {
			flags = append(flags, "deleted")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, state, size, committed, strings.Join(flags, ","))
	}
	return tw.Flush()
}

func runDelete(ctx context.Context, args []string) error {
	return setDeleted(ctx, "delete", args, true)
}

func runUndelete(ctx context.Context, args []string) error {
	return setDeleted(ctx, "undelete", args, false)
}

func setDeleted(ctx context.Context, name string, args []string, deleted bool) error {
	fs, g := newFlagSet(name, "--au AU --url URL [--version ID]")
	target := addURLFlags(fs, true)
	if ok, err := parse(fs, args); !ok {
		return err
	}

	au, cleanup, err := openAU(ctx, g, target.au)
	if err != nil {
		return err
	}
	defer cleanup()

	file, err := target.file(ctx, au, false)
	if err != nil {
		return err
	}

	if target.version == 0 {
		if deleted {
			return file.Delete(ctx)
		}
		return file.Undelete(ctx)
	}

	version, err := file.Version(ctx, metadata.VersionID(target.version))
	if err != nil {
		return err
	}
	if deleted {
		return version.Delete(ctx)
	}
	return version.Undelete(ctx)
}

func runList(ctx context.Context, args []string) error {
	fs, g := newFlagSet("ls", "--au AU [--prefix URL] [--deleted]")
	auID := fs.String("au", "", "AU identifier")
	prefix := fs.String("prefix", "", "Only list URLs under this prefix")
	includeDeleted := fs.Bool("deleted", false, "Include deleted files")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	au, cleanup, err := openAU(ctx, g, *auID)
	if err != nil {
		return err
	}
	defer cleanup()

	var filter repository.URLFilter
	if *prefix != "" {
		filter = repository.PrefixFilter{Prefix: *prefix}
	}
	files, err := au.FileList(ctx, filter, *includeDeleted)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, f := range files {
		size, err := f.ContentSize(ctx, true)
		if err != nil && !errors.Is(err, repository.ErrNoPreferredVersion) {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\n", humanize.IBytes(uint64(max(size, 0))), f.NodeURL())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s file(s)\n", humanize.Comma(int64(len(files))))
	return nil
}

func runDiskUsage(ctx context.Context, args []string) error {
	fs, g := newFlagSet("du", "--au AU [--prefix URL]")
	auID := fs.String("au", "", "AU identifier")
	prefix := fs.String("prefix", "", "Only count URLs under this prefix")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	au, cleanup, err := openAU(ctx, g, *auID)
	if err != nil {
		return err
	}
	defer cleanup()

	var filter repository.URLFilter
	if *prefix != "" {
		filter = repository.PrefixFilter{Prefix: *prefix}
	}
	contentSize, err := au.TreeContentSize(ctx, filter, true)
	if err != nil {
		return err
	}
	diskUsage, err := au.RepoDiskUsage(ctx, true)
	if err != nil {
		return err
	}

	fmt.Printf("AU:           %s\n", au.AuID())
	fmt.Printf("Shard:        %s\n", au.Shard().Name())
	fmt.Printf("Created:      %s\n", au.CreationTime().Format(time.RFC3339))
	fmt.Printf("Content size: %s (%s bytes)\n", humanize.IBytes(uint64(contentSize)), humanize.Comma(contentSize))
	fmt.Printf("Disk usage:   %s (%s bytes)\n", humanize.IBytes(uint64(diskUsage)), humanize.Comma(diskUsage))
	return nil
}

func runCheck(ctx context.Context, args []string) error {
	fs, g := newFlagSet("check", "--au AU")
	auID := fs.String("au", "", "AU identifier")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	au, cleanup, err := openAU(ctx, g, *auID)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := au.CheckConsistency(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Checked %d node(s), %d file(s), %d version(s)\n", report.Nodes, report.Files, report.Versions)
	for _, issue := range report.Issues {
		fmt.Println(issue.String())
	}
	if !report.OK() {
		return fmt.Errorf("%d issue(s) found", len(report.Issues))
	}
	return nil
}

func runArchive(ctx context.Context, args []string) error {
	fs, g := newFlagSet("archive", "[--shard KEY]")
	only := fs.String("shard", "", "Only archive this shard")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	_, reg, cleanup, err := openRegistry(ctx, g, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	shards := reg.Shards()
	if *only != "" {
		shard, err := reg.Get(*only)
		if err != nil {
			return err
		}
		shards = []*repository.Shard{shard}
	}

	var errs []error
	for _, shard := range shards {
		stats, err := shard.ArchiveSealed(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("shard %q: %w", shard.Name(), err))
		}
		fmt.Printf("%s: %d uploaded, %d skipped, %s\n",
			shard.Name(), stats.Uploaded, stats.Skipped, humanize.IBytes(uint64(stats.Bytes)))
	}
	return errors.Join(errs...)
}

func runGC(ctx context.Context, args []string) error {
	fs, g := newFlagSet("gc", "[--dry-run] [--min-age DURATION]")
	dryRun := fs.Bool("dry-run", false, "Report orphaned segments without removing them")
	minAge := fs.Duration("min-age", -1, "Override gc.min_age")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	cfg, reg, cleanup, err := openRegistry(ctx, g, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	gcCfg := cfg.GC
	gcCfg.DryRun = gcCfg.DryRun || *dryRun
	if *minAge >= 0 {
		gcCfg.MinAge = *minAge
	}

	collectors, err := config.CreateCollectors(&gcCfg, reg, nil)
	if err != nil {
		return err
	}

	var errs []error
	for i, c := range collectors {
		name := reg.Shards()[i].Name()
		stats, err := c.RunNow(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("shard %q: %w", name, err))
			continue
		}
		fmt.Printf("%s: %s\n", name, stats.Summary())
	}
	return errors.Join(errs...)
}
