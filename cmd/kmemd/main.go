// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/intel/kmem/pkg/config"
	"github.com/intel/kmem/pkg/instrumentation"
	"github.com/intel/kmem/pkg/kmem/kernel"
	kmemmetrics "github.com/intel/kmem/pkg/kmem/metrics"
	"github.com/intel/kmem/pkg/kmem/prompt"
	logger "github.com/intel/kmem/pkg/log"
	"github.com/intel/kmem/pkg/metrics"
	"github.com/intel/kmem/pkg/version"
)

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "kmemd: "+format+"\n", a...)
	os.Exit(1)
}

func main() {
	optConfig := flag.String("config", "", "-config=FILE read configuration from a YAML file")
	optMetrics := flag.String("metrics", "", "-metrics=ADDR serve Prometheus metrics on ADDR, overrides the configuration")
	optCommands := flag.String("c", "", "-c=CMD[;CMD...] run prompt commands and exit")
	optEcho := flag.Bool("echo", false, "echo commands read from the prompt")
	optDescribe := flag.Bool("describe-config", false, "describe the configuration and exit")

	logger.SetupFlags(flag.CommandLine)
	version.SetupFlags(flag.CommandLine)
	flag.Parse()

	if len(flag.Args()) != 0 {
		flag.Usage()
		exit("unknown command-line arguments: %s", strings.Join(flag.Args(), " "))
	}
	if *optDescribe {
		fmt.Print(config.Describe())
		return
	}

	if err := logger.ApplyFlags(); err != nil {
		exit("invalid logger flags: %v", err)
	}
	log := logger.Default()
	logger.SetupDebugToggleSignal(syscall.SIGUSR1)
	defer logger.Flush()

	if *optConfig != "" {
		if err := config.SetYAMLFile(*optConfig); err != nil {
			exit("%v", err)
		}
	}
	if *optMetrics != "" {
		instrumentation.SetHTTPEndpoint(*optMetrics)
	}

	k, err := kernel.Boot(kernel.ConfigFromFragments())
	if err != nil {
		exit("failed to boot: %v", err)
	}
	defer k.Close()

	if err := kmemmetrics.Register(k); err != nil {
		exit("failed to register metrics collector: %v", err)
	}
	gatherer, err := metrics.NewMetricGatherer()
	if err != nil {
		exit("failed to create metrics gatherer: %v", err)
	}
	svc := instrumentation.NewService(gatherer)
	if err := svc.Start(); err != nil {
		exit("failed to start instrumentation: %v", err)
	}
	defer svc.Stop()

	p := prompt.NewPrompt("kmem> ", k, bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout))
	if *optCommands == "" {
		p.SetEcho(*optEcho)
		p.Interact()
		return
	}

	failed := false
	for _, cmd := range strings.Split(*optCommands, ";") {
		if p.RunCmdString(cmd).Failed() {
			log.Error("command %q failed", strings.TrimSpace(cmd))
			failed = true
		}
	}
	if failed {
		logger.Flush()
		os.Exit(1)
	}
}
