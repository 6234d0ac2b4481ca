// Command hvmd loads a VM manifest, wires up the VMM/vPIC/vPCI/virtio
// stack, installs the BIOS, and drives the run/exit loop until the
// guest halts.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/mcertikos/hvm/config"
	"github.com/mcertikos/hvm/internal/hvmlog"
	"github.com/mcertikos/hvm/virtioblk"
	"github.com/mcertikos/hvm/vkbd"
	"github.com/mcertikos/hvm/vm"
)

type options struct {
	Manifest string `short:"c" long:"config" description:"path to the VM manifest (YAML)" required:"true"`
}

func main() {
	if err := run(); err != nil {
		hvmlog.Logger.Fatal().Err(err).Msg("hvmd: fatal error")
	}
}

func run() error {
	var opts options

	parser := flags.NewParser(&opts, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}

		return err
	}

	manifest, err := config.Load(opts.Manifest)
	if err != nil {
		return err
	}

	log := hvmlog.Logger.With().Str("manifest", opts.Manifest).Logger()

	disk, err := virtioblk.OpenFileDisk(manifest.DiskPath)
	if err != nil {
		return fmt.Errorf("hvmd: opening disk image: %w", err)
	}

	machine, err := vm.New(manifest.MemSize(), disk)
	if err != nil {
		return fmt.Errorf("hvmd: creating vm: %w", err)
	}

	bios, err := os.ReadFile(manifest.BIOSPath)
	if err != nil {
		return fmt.Errorf("hvmd: reading bios image: %w", err)
	}

	var vgaBIOS []byte

	if manifest.VGABIOS != "" {
		vgaBIOS, err = os.ReadFile(manifest.VGABIOS)
		if err != nil {
			return fmt.Errorf("hvmd: reading vga bios image: %w", err)
		}
	}

	if err := machine.InstallBIOS(bios, vgaBIOS); err != nil {
		return fmt.Errorf("hvmd: installing bios: %w", err)
	}

	if manifest.HostKeyboard != "" {
		src, err := vkbd.OpenEvdevSource(manifest.HostKeyboard, machine.Kbd)
		if err != nil {
			log.Warn().Err(err).Msg("hvmd: host keyboard unavailable, continuing without it")
		} else {
			defer src.Close()

			go func() {
				if err := src.Run(); err != nil {
					log.Error().Err(err).Msg("hvmd: host keyboard source stopped")
				}
			}()
		}
	}

	log.Info().Uint64("memsize", manifest.MemSize()).Msg("hvmd: starting guest")

	if err := machine.RunInfiniteLoop(); err != nil {
		return fmt.Errorf("hvmd: run loop: %w", err)
	}

	log.Info().Msg("hvmd: guest halted")

	return nil
}
