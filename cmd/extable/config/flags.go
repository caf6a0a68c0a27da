// Copyright 2020 The gVisor Authors.
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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file to read configuration from. Flags override values from the file.")
	flagSet.String("manifest", "", "YAML manifest describing the static and module exception tables.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Flags that control table handling.
	flagSet.Bool("verify", false, "check the order of every exception table as it is built, even in non-debug builds.")
	flagSet.Duration("miss-log-every", time.Second, "log at most one unresolved fault per this interval. Zero logs every fault.")
	flagSet.Duration("unload-timeout", 5*time.Second, "how long a module unload waits for the module's users to leave. Zero waits forever.")

	// Flags for the stress command.
	flagSet.Int("stress-workers", 0, "number of concurrent lookup goroutines. Zero means GOMAXPROCS.")
	flagSet.Duration("stress-duration", 5*time.Second, "how long to run the stress command.")
}

// fields returns, for every field of Config with a flag tag, the flag name
// and field index.
func fields() map[string]int {
	st := reflect.TypeOf(Config{})
	m := make(map[string]int, st.NumField())
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			m[name] = i
		}
	}
	return m
}

// setFromFlag copies the value of fl into the matching field of conf.
func setFromFlag(conf *Config, idx map[string]int, fl *flag.Flag) {
	i, ok := idx[fl.Name]
	if !ok {
		return
	}
	getter, ok := fl.Value.(flag.Getter)
	if !ok {
		panic(fmt.Sprintf("flag %q does not implement flag.Getter", fl.Name))
	}
	reflect.ValueOf(conf).Elem().Field(i).Set(reflect.ValueOf(getter.Get()))
}

// NewFromFlags creates a new Config with values coming from the given flag
// set and, if the config flag names one, a TOML file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	idx := fields()
	for name := range idx {
		if flagSet.Lookup(name) == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
	}
	flagSet.VisitAll(func(fl *flag.Flag) { setFromFlag(conf, idx, fl) })

	if conf.ConfigFile != "" {
		if err := conf.loadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		// Flags set on the command line win over the file.
		flagSet.Visit(func(fl *flag.Flag) { setFromFlag(conf, idx, fl) })
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// loadFile overlays the TOML file at path onto c. Unknown keys are an
// error.
func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to their default are omitted.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))
		if fl := flagSet.Lookup(name); fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		} else if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
