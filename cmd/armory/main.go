package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/armory/internal/armory"
	"github.com/zboralski/armory/internal/config"
	"github.com/zboralski/armory/internal/emu/unicornemu"
	glog "github.com/zboralski/armory/internal/log"
	"github.com/zboralski/armory/internal/oracle"
	"github.com/zboralski/armory/internal/ui/colorize"
	"github.com/zboralski/armory/internal/ui/faultprint"
	"github.com/zboralski/armory/internal/ui/results"
)

var (
	verbose     bool
	progress    bool
	verify      bool
	interactive bool
	threads     int
	maxFaults   int
	binaryPath  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "armory <campaign.yaml>",
		Short: "Evaluate fault-injection resistance of ARM firmware",
		Long: `Armory explores combinations of hardware faults an attacker could induce
against ARM firmware: instruction skips and replacements, register
corruptions, transient or permanent. Each combination is replayed in an
emulator; every chain that drives the program into an attacker-defined
exploitable state is reported.

The campaign file names the firmware, its memory map, the halt addresses,
the exploitability oracle and the fault models to combine.

Examples:
  armory campaign.yaml                # run the campaign
  armory campaign.yaml -p             # with progress heartbeat on stderr
  armory campaign.yaml --verify       # re-verify each finding sequentially
  armory campaign.yaml -i             # browse findings interactively
  armory info firmware.elf            # show binary info`,
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runCampaign,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.Flags().BoolVarP(&progress, "progress", "p", false, "print progress to stderr")
	rootCmd.Flags().BoolVar(&verify, "verify", false, "re-verify findings on a fresh clone")
	rootCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "browse findings interactively")
	rootCmd.Flags().IntVarP(&threads, "threads", "t", 0, "worker threads (0 = campaign threads, else all cores)")
	rootCmd.Flags().IntVarP(&maxFaults, "max-faults", "m", 0, "max simultaneous faults (0 = campaign max_faults, else unbounded)")
	rootCmd.Flags().StringVar(&binaryPath, "binary", "", "firmware ELF (overrides campaign)")

	infoCmd := &cobra.Command{
		Use:   "info <firmware.elf>",
		Short: "Show firmware information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCampaign(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)

	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	binary := binaryPath
	if binary == "" {
		binary = cfg.Binary
	}
	if binary == "" {
		return fmt.Errorf("no firmware binary: set binary: in the campaign or pass --binary")
	}

	emuInst, err := unicornemu.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emuInst.Close()

	info, err := emuInst.LoadFirmware(binary, cfg.Flash.Base, cfg.Flash.Size, cfg.RAM.Base, cfg.RAM.Size)
	if err != nil {
		return fmt.Errorf("load firmware: %w", err)
	}

	if cfg.Entry != "" {
		entry, err := cfg.Entry.Resolve(info.Symbols)
		if err != nil {
			return fmt.Errorf("entry: %w", err)
		}
		emuInst.SetPC(entry)
	}

	halts := make(map[uint64]string, len(cfg.Halts))
	for _, h := range cfg.Halts {
		addr, err := h.Resolve(info.Symbols)
		if err != nil {
			return fmt.Errorf("halt address: %w", err)
		}
		halts[addr] = string(h)
	}

	factory, err := buildOracle(cfg, info)
	if err != nil {
		return err
	}

	modelCounts, err := cfg.BuildModels()
	if err != nil {
		return err
	}

	sim := armory.New(armory.Context{
		NewModel:      factory,
		Flash:         armory.MemoryRange{Base: cfg.Flash.Base, Size: cfg.Flash.Size},
		RAM:           armory.MemoryRange{Base: cfg.RAM.Base, Size: cfg.RAM.Size},
		HaltAddresses: halts,
		MaxCycles:     cfg.MaxCycles,
	})

	nThreads := threads
	if nThreads == 0 {
		nThreads = cfg.Threads
	}
	sim.SetNumberOfThreads(nThreads)
	sim.EnableProgressPrinting(progress)

	nFaults := maxFaults
	if nFaults == 0 {
		nFaults = cfg.MaxFaults
	}

	runID := uuid.NewString()
	glog.L.Info("starting fault simulation",
		glog.Run(runID),
		zap.String("binary", binary),
		zap.Int("models", len(modelCounts)),
		zap.Int("max_faults", nFaults),
	)

	start := time.Now()
	found, err := sim.SimulateFaults(emuInst, modelCounts, nFaults)
	if err != nil {
		return fmt.Errorf("simulate faults: %w", err)
	}
	elapsed := time.Since(start)

	if verify {
		found = verifyFindings(sim, emuInst, found)
	}

	modelTable := make([]armory.FaultModel, len(modelCounts))
	for i, mc := range modelCounts {
		modelTable[i] = mc.Model
	}
	printer := faultprint.New(modelTable, addrToSym(info.Symbols), emuInst)

	fmt.Printf("%s armory ─ fault injection report  %s\n\n",
		colorize.Header("▶"), colorize.Detail(runID))
	for i, c := range found {
		printer.PrintCombination(os.Stdout, i+1, c)
	}
	faultprint.PrintSummary(os.Stdout, len(found),
		sim.NumberOfInjectedFaults(), sim.NumberOfEmulatorErrors(), sim.NumberOfOracleErrors())
	fmt.Printf("%s\n", colorize.Detail(fmt.Sprintf("elapsed %s", elapsed.Round(time.Millisecond))))

	if interactive && len(found) > 0 {
		return results.Browse(found, printer)
	}
	return nil
}

func buildOracle(cfg *config.Config, info *unicornemu.FirmwareInfo) (armory.ModelFactory, error) {
	if cfg.OracleScript != "" {
		src, err := os.ReadFile(cfg.OracleScript)
		if err != nil {
			return nil, fmt.Errorf("read oracle script: %w", err)
		}
		js, err := oracle.CompileJS(cfg.OracleScript, string(src))
		if err != nil {
			return nil, err
		}
		return js.Factory(), nil
	}
	if cfg.Exploit != "" {
		target, err := cfg.Exploit.Resolve(info.Symbols)
		if err != nil {
			return nil, fmt.Errorf("exploit address: %w", err)
		}
		return oracle.PCReachedFactory(target), nil
	}
	return nil, fmt.Errorf("campaign defines neither exploit: nor oracle_script:")
}

func verifyFindings(sim *armory.FaultSimulator, base *unicornemu.Emulator, found []armory.FaultCombination) []armory.FaultCombination {
	kept := found[:0]
	for _, c := range found {
		ok, err := sim.Verify(base, c)
		if err != nil {
			glog.L.Warn("verification error", zap.Error(err), glog.Chain(c.Len()))
			continue
		}
		if !ok {
			glog.L.Warn("finding did not verify", glog.Chain(c.Len()),
				zap.Uint64("fp", c.Fingerprint()))
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// addrToSym inverts the symbol table, preferring the shortest name per
// address.
func addrToSym(symbols map[string]uint64) map[uint64]string {
	out := make(map[uint64]string, len(symbols))
	for name, addr := range symbols {
		if existing, ok := out[addr]; !ok || len(name) < len(existing) {
			out[addr] = name
		}
	}
	return out
}

func showInfo(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)

	emuInst, err := unicornemu.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emuInst.Close()

	// A generous default map; info only needs the segments loaded.
	info, err := emuInst.LoadFirmware(args[0], 0, 0x0100_0000, 0x2000_0000, 0x0010_0000)
	if err != nil {
		return fmt.Errorf("load firmware: %w", err)
	}

	fmt.Printf("Binary:  %s\n", info.Path)
	fmt.Printf("Machine: %v\n", info.Machine)
	fmt.Printf("Entry:   0x%x\n", info.Entry)
	fmt.Printf("Symbols: %d\n", len(info.Symbols))

	interesting := []string{"main", "exit", "secure", "verify", "auth", "check"}
	printed := false
	for _, needle := range interesting {
		for name, addr := range info.FindSymbolsBySubstring(needle) {
			if !printed {
				fmt.Println("\nInteresting symbols:")
				printed = true
			}
			fmt.Printf("  0x%08x %s\n", addr, name)
		}
	}
	return nil
}
