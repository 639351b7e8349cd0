package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/rdh2/lockin"
	"github.com/rdh2/lockin/internal/lockindb"
	"github.com/rdh2/lockin/internal/unboundedchan"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper(dotLockin string) error {
	viper.SetDefault("Verbose", false)

	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotLockin, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/lockin"))
	viper.AddConfigPath(dotLockin)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	logger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return logger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	lockin.Build.Date = buildDate
	lockin.Build.Githash = githash
	lockin.Build.Gitdate = gitdate
	lockin.Build.Summary = fmt.Sprintf("lockin version %s (git commit %s of %s)", lockin.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		lockin.Build.Host = host
	} else {
		lockin.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	basePort := flag.Int("port", 5600, "base TCP port: RPC, then status (ZMQ), then websocket")
	pingDB := flag.Bool("ping-db", false, "check the ClickHouse database server and quit")
	useDB := flag.Bool("db", false, "log activity and runs to the ClickHouse database")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is lockin version %s\n", lockin.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}
	if *pingDB {
		if err := lockindb.PingServer(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is lockin version %s (git commit %s)\n", lockin.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	dotLockin := filepath.Join(HOME, ".lockin")
	logdir := filepath.Join(dotLockin, "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	lockin.ProblemLogger = startLogger(problemname)
	lockin.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	lockin.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(dotLockin); err != nil {
		panic(err)
	}

	for _, p := range lockin.CheckKernelTiming() {
		if p.Warning != "" {
			fmt.Printf("Warning: kernel %s = %s: %s\n", p.Name, p.Value, p.Warning)
		}
	}

	abort := make(chan struct{})
	db := lockindb.DummyDBConnection()
	if *useDB {
		activity := &lockindb.ActivityMessage{
			ID:        lockindb.NewID(),
			Hostname:  lockin.Build.Host,
			Githash:   githash,
			Version:   lockin.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     time.Now(),
		}
		db = lockindb.StartDBConnection(activity, abort)
		if !db.IsConnected() {
			lockin.ProblemLogger.Printf("could not connect to the database: %v", db.Err())
		}
	}

	lockin.SetPortnumbers(*basePort)
	updates := unboundedchan.NewUnboundedChannel[lockin.ClientUpdate]()
	hub := lockin.NewStatusHub()
	go func() {
		if err := lockin.RunClientUpdater(lockin.Ports.Status, updates.Out(), hub, abort); err != nil {
			lockin.ProblemLogger.Printf("client updater: %v", err)
		}
	}()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		addr := fmt.Sprintf(":%d", lockin.Ports.WebSocket)
		if err := http.ListenAndServe(addr, mux); err != nil {
			lockin.ProblemLogger.Printf("websocket server: %v", err)
		}
	}()

	recordDir := filepath.Join(dotLockin, "recordings")
	if err := lockin.RunRPCServer(lockin.Ports.RPC, updates.In(), recordDir, db, true); err != nil {
		lockin.ProblemLogger.Print(err)
		fmt.Println(err)
	}
	close(abort)
	hub.Close()
	db.Wait()
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
