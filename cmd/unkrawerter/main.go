package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"

	unkrawerter "github.com/MCJack123/UnkrawerterGBA"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/yumland/gbarom"
)

// Exit codes: 0 success, 1 usage error, 2 I/O failure, 3 no usable offsets,
// 10 too many instruments without trimming.

func main() {
	app := cli.NewApp()
	app.Name = "unkrawerter"
	app.Usage = "Extract Krawall sound engine music from GBA ROMs into XM or S3M modules"
	app.Action = func(c *cli.Context) error {
		cli.ShowAppHelp(c)
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:      "extract",
			Aliases:   []string{"x"},
			Usage:     "Extract all songs from a ROM",
			ArgsUsage: "rom.gba",
			Action:    extractCmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "outdir",
					Value: ".",
					Usage: "output directory for extracted modules",
				},
				&cli.IntFlag{
					Name:  "threshold",
					Value: 4,
					Usage: "minimum pointer-run length for the offset search",
				},
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "log every candidate pointer list",
				},
				&cli.BoolFlag{
					Name:  "s3m",
					Usage: "write S3M modules instead of XM",
				},
				&cli.BoolFlag{
					Name:  "wav",
					Usage: "also dump every sample as a WAV file",
				},
				&cli.StringFlag{
					Name:  "name",
					Usage: "song name embedded in the output files (default: the ROM title)",
				},
				&cli.StringFlag{
					Name:  "engine-version",
					Usage: "Krawall version as YYYYMMDD, overriding auto-detection",
				},
				&cli.BoolFlag{
					Name:  "no-trim",
					Usage: "keep the full instrument list instead of trimming unused entries",
				},
				&cli.BoolFlag{
					Name:  "no-fix",
					Usage: "disable playback-compatibility pattern rewrites",
				},
				&cli.StringSliceFlag{
					Name:  "module",
					Usage: "module header address, bypassing the search (repeatable)",
				},
				&cli.StringFlag{
					Name:  "samples",
					Usage: "sample pointer list address, bypassing the search",
				},
				&cli.StringFlag{
					Name:  "instruments",
					Usage: "instrument pointer list address, bypassing the search",
				},
			},
		},
		{
			Name:      "list",
			Aliases:   []string{"ls"},
			Usage:     "Search a ROM and print the offsets found",
			ArgsUsage: "rom.gba",
			Action:    listCmd,
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "threshold",
					Value: 4,
					Usage: "minimum pointer-run length for the offset search",
				},
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "log every candidate pointer list",
				},
			},
		},
	}
	app.Run(os.Args)
}

func loadROM(c *cli.Context) (*unkrawerter.ROM, string, error) {
	if c.Args().Len() < 1 {
		return nil, "", cli.Exit("No ROM provided", 1)
	}
	file := c.Args().First()
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, "", cli.Exit(fmt.Sprintf("Could not read %s: %v", file, err), 2)
	}
	if !bytes.Contains(data, []byte("Krawall")) {
		log.Warn("no Krawall signature found; is this really a Krawall ROM?")
	}
	return unkrawerter.NewROM(data), file, nil
}

func resolveVersion(c *cli.Context, rom *unkrawerter.ROM) (unkrawerter.Version, error) {
	if s := c.String("engine-version"); s != "" {
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return 0, cli.Exit(fmt.Sprintf("Invalid engine version %q", s), 1)
		}
		return unkrawerter.Version(v), nil
	}
	v, found := unkrawerter.DetectVersion(rom)
	if found {
		log.Infof("detected Krawall version %08X", uint32(v))
	} else {
		log.Info("no version stamp found, assuming the newest layout")
	}
	return v, nil
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v) & 0x01FFFFFF, nil
}

// resolveOffsets either runs the search or builds a result from
// hand-supplied addresses.
func resolveOffsets(c *cli.Context, rom *unkrawerter.ROM, version unkrawerter.Version) (unkrawerter.SearchResult, error) {
	modules := c.StringSlice("module")
	sampleAddr := c.String("samples")
	instAddr := c.String("instruments")
	if len(modules) == 0 && sampleAddr == "" && instAddr == "" {
		return unkrawerter.SearchOffsets(rom, uint32(c.Int("threshold")), version), nil
	}

	var res unkrawerter.SearchResult
	for _, ms := range modules {
		addr, err := parseAddr(ms)
		if err != nil {
			return res, cli.Exit(fmt.Sprintf("Invalid module address %q", ms), 1)
		}
		res.Modules = append(res.Modules, addr)
	}
	if sampleAddr != "" {
		addr, err := parseAddr(sampleAddr)
		if err != nil {
			return res, cli.Exit(fmt.Sprintf("Invalid sample list address %q", sampleAddr), 1)
		}
		res.SampleAddr = addr
	}
	if instAddr != "" {
		addr, err := parseAddr(instAddr)
		if err != nil {
			return res, cli.Exit(fmt.Sprintf("Invalid instrument list address %q", instAddr), 1)
		}
		res.InstrumentAddr = addr
	}
	res.Success = res.SampleAddr != 0 && res.InstrumentAddr != 0 && len(res.Modules) > 0
	return res, nil
}

func extractCmd(c *cli.Context) error {
	if c.Bool("verbose") {
		log.SetLevel(log.DebugLevel)
	}
	rom, file, err := loadROM(c)
	if err != nil {
		return err
	}
	version, err := resolveVersion(c, rom)
	if err != nil {
		return err
	}
	res, err := resolveOffsets(c, rom, version)
	if err != nil {
		return err
	}
	if !res.Success {
		return cli.Exit("Could not find all of the required offsets.\n"+
			" * Does the ROM use the Krawall engine?\n"+
			" * Try adjusting the search threshold.\n"+
			" * You can supply offsets yourself with --module/--samples/--instruments.", 3)
	}

	sampleOffsets := unkrawerter.ReadPointerList(rom, res.SampleAddr, res.SampleCount)
	instrumentOffsets := unkrawerter.ReadPointerList(rom, res.InstrumentAddr, res.InstrumentCount)
	log.Infof("found %d samples, %d instruments, %d modules",
		len(sampleOffsets), len(instrumentOffsets), len(res.Modules))

	name := c.String("name")
	if name == "" {
		name = romTitle(file)
	}

	outDir := c.String("outdir")
	if outDir != "" && outDir != "." {
		if err := os.MkdirAll(outDir, os.ModePerm); err != nil {
			return cli.Exit(fmt.Sprintf("Could not create directory %s: %v", outDir, err), 2)
		}
	}

	code := 0
	for i, moduleOffset := range res.Modules {
		ext := ".xm"
		if c.Bool("s3m") {
			ext = ".s3m"
		}
		ofn := path.Join(outDir, fmt.Sprintf("Module%d%s", i, ext))
		if err := writeModule(c, rom, moduleOffset, sampleOffsets, instrumentOffsets, ofn, name, version); err != nil {
			log.Errorf("module %d: %v", i, err)
			if ec := exitCode(err); ec > code {
				code = ec
			}
			continue
		}
		fmt.Printf("Successfully wrote module to %s.\n", ofn)
	}

	if c.Bool("wav") {
		for i, off := range sampleOffsets {
			ofn := path.Join(outDir, fmt.Sprintf("Sample%d.wav", i))
			if err := dumpWAV(rom, off, ofn); err != nil {
				log.Errorf("sample %d: %v", i, err)
				if code < 2 {
					code = 2
				}
			}
		}
	}

	if code != 0 {
		return cli.Exit("Some modules could not be converted", code)
	}
	return nil
}

func writeModule(c *cli.Context, rom *unkrawerter.ROM, moduleOffset uint32, sampleOffsets, instrumentOffsets []uint32, ofn, name string, version unkrawerter.Version) error {
	out, err := os.Create(ofn)
	if err != nil {
		return err
	}
	defer out.Close()
	if c.Bool("s3m") {
		return unkrawerter.WriteModuleToS3M(rom, moduleOffset, sampleOffsets, out, version, unkrawerter.S3MOptions{
			Name:            name,
			TrimInstruments: !c.Bool("no-trim"),
		})
	}
	return unkrawerter.WriteModuleToXM(rom, moduleOffset, sampleOffsets, instrumentOffsets, out, version, unkrawerter.XMOptions{
		Name:             name,
		TrimInstruments:  !c.Bool("no-trim"),
		FixCompatibility: !c.Bool("no-fix"),
	})
}

func dumpWAV(rom *unkrawerter.ROM, offset uint32, ofn string) error {
	out, err := os.Create(ofn)
	if err != nil {
		return err
	}
	defer out.Close()
	return unkrawerter.WriteSampleToWAV(rom, offset, out)
}

func listCmd(c *cli.Context) error {
	if c.Bool("verbose") {
		log.SetLevel(log.DebugLevel)
	}
	rom, _, err := loadROM(c)
	if err != nil {
		return err
	}
	version, err := resolveVersion(c, rom)
	if err != nil {
		return err
	}
	res := unkrawerter.SearchOffsets(rom, uint32(c.Int("threshold")), version)
	if res.InstrumentAddr != 0 {
		fmt.Printf("> Found instrument list at address %08X (%d entries)\n", res.InstrumentAddr, res.InstrumentCount)
	}
	if res.SampleAddr != 0 {
		fmt.Printf("> Found sample list at address %08X (%d entries)\n", res.SampleAddr, res.SampleCount)
	}
	for _, m := range res.Modules {
		fmt.Printf("> Found module at address %08X\n", m)
	}
	if !res.Success {
		return cli.Exit("Could not find all of the required offsets", 3)
	}
	return nil
}

// romTitle reads the cartridge title from the ROM header for use as the
// default song name.
func romTitle(file string) string {
	f, err := os.Open(file)
	if err != nil {
		return ""
	}
	defer f.Close()
	title, err := gbarom.ReadROMTitle(f)
	if err != nil {
		return ""
	}
	return title
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, unkrawerter.ErrInstrumentLimit):
		return 10
	case errors.Is(err, unkrawerter.ErrOffsetsNotFound):
		return 3
	default:
		return 2
	}
}
