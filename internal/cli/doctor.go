package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Represents the 'kiln doctor' command group.
type DoctorCmd struct {
	Scan DoctorScanCmd `cmd:"" help:"Run every doctor check."`
	Bins DoctorBinsCmd `cmd:"" help:"Check installed binaries against their manifests."`
	FS   DoctorFSCmd   `cmd:"" name:"fs" help:"Scan managed paths for filesystem problems."`
	CVE  DoctorCVECmd  `cmd:"" name:"cve" help:"Match installed packages against an advisory list."`
}

type DoctorScanCmd struct{}

func (c *DoctorScanCmd) Run(ctx context.Context, a *app) error {
	if err := (&DoctorFSCmd{}).Run(ctx, a); err != nil {
		return err
	}
	return (&DoctorBinsCmd{}).Run(ctx, a)
}

type DoctorFSCmd struct{}

func (c *DoctorFSCmd) Run(ctx context.Context, a *app) error {
	report, err := a.orch.DoctorFS(ctx)
	if err != nil {
		return err
	}

	for _, p := range report.BrokenSymlinks {
		fmt.Printf("broken symlink: %s\n", p)
	}
	for _, p := range report.WorldWritable {
		fmt.Printf("world-writable: %s\n", p)
	}

	if n := len(report.BrokenSymlinks) + len(report.WorldWritable); n > 0 {
		return fmt.Errorf("%d filesystem problems found", n)
	}
	fmt.Println("filesystem ok")
	return nil
}

type DoctorBinsCmd struct{}

func (c *DoctorBinsCmd) Run(ctx context.Context, a *app) error {
	outcomes, err := a.orch.Verify(ctx, "")
	if err != nil {
		return err
	}

	bad := 0
	for _, out := range outcomes {
		for _, p := range append(append([]string{}, out.Missing...), out.Modified...) {
			if strings.Contains(p, "/bin/") || strings.Contains(p, "/sbin/") || strings.Contains(p, "/lib/") {
				fmt.Printf("%s: damaged binary %s\n", out.Name, p)
				bad++
			}
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d damaged binaries", bad)
	}
	fmt.Println("binaries ok")
	return nil
}

// Consumes an externally produced advisory list: one "<name> <affected
// version prefix>" pair per line. Scraping advisory feeds is out of
// scope; this only matches the result against the installed set.
type DoctorCVECmd struct {
	Advisories string `arg:"" help:"Advisory list file: '<package> <affected-version-prefix>' per line."`
}

func (c *DoctorCVECmd) Run(ctx context.Context, a *app) error {
	data, err := os.ReadFile(c.Advisories)
	if err != nil {
		return err
	}

	records, err := a.db.List()
	if err != nil {
		return err
	}
	installed := make(map[string]string, len(records))
	for _, rec := range records {
		installed[rec.Name] = rec.Version
	}

	matches := 0
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		name, affected := fields[0], fields[1]
		if version, ok := installed[name]; ok && strings.HasPrefix(version, affected) {
			fmt.Printf("%s %s matches advisory (%s)\n", name, version, filepath.Base(c.Advisories))
			matches++
		}
	}

	if matches > 0 {
		return fmt.Errorf("%d installed packages match advisories", matches)
	}
	fmt.Println("no advisory matches")
	return nil
}

// Represents the 'kiln version' command.
type VersionCmd struct{}

func (c *VersionCmd) Run(ctx context.Context, a *app) error {
	fmt.Println(versionString())
	return nil
}
