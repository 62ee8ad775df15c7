package main

/*
* CLI to inspect and control MetaBridge services
 */

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/miguel-b-p/metabridge/client"
	"github.com/miguel-b-p/metabridge/common/config"
	"github.com/miguel-b-p/metabridge/common/log"
	"github.com/miguel-b-p/metabridge/common/protocol"
	"github.com/miguel-b-p/metabridge/common/util"
	"github.com/miguel-b-p/metabridge/common/version"
	"github.com/miguel-b-p/metabridge/registry"
)

func PrintErr(msg string, args ...interface{}) {
	os.Stderr.WriteString(fmt.Sprintf(msg, args...) + "\n")
}

func PrintFatal(msg string, args ...interface{}) {
	PrintErr(msg, args...)
	os.Exit(1)
}

func lsCommand(c *cli.Context) (err error) {
	records, err := registry.List()
	if err != nil {
		PrintFatal(util.Red("Could not read the registry: " + err.Error()))
	}
	if len(records) == 0 {
		PrintErr(util.Yellow("No services are registered."))
		return
	}
	for _, record := range records {
		fmt.Printf("%s\t%s:%d\tpid %d\t%s\n",
			util.Green(record.Name), record.Host, record.Port, record.PID, record.Version)
	}
	return
}

func endpointsCommand(c *cli.Context) (err error) {
	name := c.Args().First()
	if name == "" {
		PrintFatal(util.Red("Usage: metabridgectl endpoints <service>"))
	}
	serviceClient, err := client.Dial(name, nil)
	if err != nil {
		PrintFatal(util.Red(err.Error()))
	}
	defer serviceClient.Close()
	for _, endpoint := range serviceClient.Endpoints() {
		fmt.Println(endpoint)
	}
	return
}

func callCommand(c *cli.Context) (err error) {
	name := c.Args().Get(0)
	endpoint := c.Args().Get(1)
	if name == "" || endpoint == "" {
		PrintFatal(util.Red("Usage: metabridgectl call <service> <endpoint> [json-args]"))
	}

	var args []interface{}
	if rawArgs := c.Args().Get(2); rawArgs != "" {
		if err = json.Unmarshal([]byte(rawArgs), &args); err != nil {
			PrintFatal(util.Red("Arguments must be a JSON array: " + err.Error()))
		}
	}
	options := &client.Options{}
	if rawCtor := c.String("ctor"); rawCtor != "" {
		if err = json.Unmarshal([]byte(rawCtor), &options.CtorArgs); err != nil {
			PrintFatal(util.Red("--ctor must be a JSON array: " + err.Error()))
		}
	}
	if rawKwargs := c.String("kwargs"); rawKwargs != "" {
		if err = json.Unmarshal([]byte(rawKwargs), &options.CtorKwargs); err != nil {
			PrintFatal(util.Red("--kwargs must be a JSON object: " + err.Error()))
		}
	}

	serviceClient, err := client.Dial(name, options)
	if err != nil {
		PrintFatal(util.Red(err.Error()))
	}
	defer serviceClient.Close()

	result, err := serviceClient.Invoke(endpoint, args, nil)
	if err != nil {
		if protocol.TagOf(err) == protocol.TAG_TIMEOUT {
			PrintFatal(util.Red(util.ErrTimedOut.Error()))
		}
		PrintFatal(util.Red(err.Error()))
	}
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		PrintFatal(util.Red(err.Error()))
	}
	fmt.Println(string(encoded))
	return
}

func pingCommand(c *cli.Context) (err error) {
	name := c.Args().First()
	if name == "" {
		PrintFatal(util.Red("Usage: metabridgectl ping <service>"))
	}
	started := time.Now()
	serviceClient, err := client.Dial(name, nil)
	if err != nil {
		if protocol.TagOf(err) == protocol.TAG_SERVICE_NOT_FOUND {
			PrintFatal(util.Red(err.Error()))
		}
		PrintFatal(util.Red(util.ErrConnectingToService.Error()))
	}
	serviceClient.Close()
	PrintErr(util.Green(fmt.Sprintf("%s answered in %s", name, time.Since(started))))
	return
}

func stopCommand(c *cli.Context) (err error) {
	name := c.Args().First()
	if name == "" {
		PrintFatal(util.Red("Usage: metabridgectl stop <service>"))
	}
	record, err := registry.Resolve(name)
	if err != nil {
		PrintFatal(util.Red(err.Error()))
	}
	process, err := os.FindProcess(record.PID)
	if err != nil {
		PrintFatal(util.Red(err.Error()))
	}
	if err = process.Signal(syscall.SIGTERM); err != nil {
		PrintFatal(util.Red("Could not stop pid " + fmt.Sprint(record.PID) + ": " + err.Error()))
	}

	deadline := time.Now().Add(config.DEFAULT_STOP_TIMEOUT)
	for time.Now().Before(deadline) && registry.IsProcessAlive(record.PID) {
		time.Sleep(config.STARTUP_POLL_INTERVAL)
	}
	if registry.IsProcessAlive(record.PID) {
		PrintFatal(util.Red(fmt.Sprintf("Service '%s' (pid %d) is still running.", name, record.PID)))
	}
	registry.Unregister(name, record.PID)
	PrintErr(util.Green(fmt.Sprintf("Service '%s' stopped.", name)))
	return
}

func main() {
	log.SetupLogging("metabridgectl", logging.WARNING, false)

	app := cli.NewApp()
	app.Name = "metabridgectl"
	app.Usage = "inspect and control MetaBridge services on this host"
	app.Version = version.CURRENT_VERSION.String()
	app.Commands = []cli.Command{
		{
			Name:   "ls",
			Usage:  "list registered services",
			Action: lsCommand,
		},
		{
			Name:   "endpoints",
			Usage:  "list the endpoints of a service",
			Action: endpointsCommand,
		},
		{
			Name:   "call",
			Usage:  "invoke an endpoint with JSON arguments",
			Action: callCommand,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "ctor", Usage: "constructor arguments as a JSON array"},
				cli.StringFlag{Name: "kwargs", Usage: "constructor keywords as a JSON object"},
			},
		},
		{
			Name:   "ping",
			Usage:  "check that a service answers",
			Action: pingCommand,
		},
		{
			Name:   "stop",
			Usage:  "terminate a service and withdraw its registry entry",
			Action: stopCommand,
		},
	}
	app.Run(os.Args)
}
