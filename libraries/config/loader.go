// Package config loads service configuration from struct tags, combining
// defaults, an optional INI file, and command-line flags (highest priority).
//
// Supported tags: name (kebab-case default), alias (comma-separated),
// default, required, help.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

func CheckVersion(version string) {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" {
			fmt.Println(version)
			os.Exit(0)
		}
	}
}

type fieldInfo struct {
	field        reflect.Value
	name         string
	aliases      []string
	help         string
	fieldType    reflect.Type
	isRequired   bool
	defaultValue string
}

type LoadOptions struct {
	ConfigFlag    string
	DefaultConfig string
	StrictINI     bool
}

func Load(cfg any, args []string) error {
	return LoadWithOptions(cfg, args, nil)
}

func LoadWithOptions(cfg any, args []string, opts *LoadOptions) error {
	if opts == nil {
		opts = &LoadOptions{
			ConfigFlag:    "config",
			DefaultConfig: "./config.ini",
		}
	}

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("cfg must be a pointer to a struct")
	}
	v = v.Elem()

	fields := parseStructTags(v, v.Type())

	for _, f := range fields {
		if f.defaultValue == "" {
			continue
		}
		if err := setFieldValue(f.field, f.fieldType, f.defaultValue); err != nil {
			return fmt.Errorf("invalid default for %s: %w", f.name, err)
		}
	}

	fs := flag.NewFlagSet("config", flag.ContinueOnError)

	var configPath string
	fs.StringVar(&configPath, opts.ConfigFlag, "", "Path to config file")

	flagValues := make(map[string]any)
	for _, f := range fields {
		registerFlag(fs, f, flagValues)
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return err
	}

	if configPath == "" {
		if _, err := os.Stat(opts.DefaultConfig); err == nil {
			configPath = opts.DefaultConfig
		}
	}

	if configPath != "" {
		if err := loadINI(configPath, fields, opts.StrictINI); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyFlags(fields, flagValues, fs)

	var missing []string
	for _, f := range fields {
		if f.isRequired && f.field.IsZero() {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	return nil
}

func parseStructTags(v reflect.Value, t reflect.Type) []fieldInfo {
	var fields []fieldInfo

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		fv := v.Field(i)

		if !fv.CanSet() {
			continue
		}

		name := sf.Tag.Get("name")
		if name == "" {
			name = toKebabCase(sf.Name)
		}

		var aliases []string
		if aliasTag := sf.Tag.Get("alias"); aliasTag != "" {
			for _, a := range strings.Split(aliasTag, ",") {
				aliases = append(aliases, strings.TrimSpace(a))
			}
		}

		fields = append(fields, fieldInfo{
			field:        fv,
			name:         name,
			aliases:      aliases,
			help:         sf.Tag.Get("help"),
			fieldType:    sf.Type,
			isRequired:   sf.Tag.Get("required") == "true",
			defaultValue: sf.Tag.Get("default"),
		})
	}

	return fields
}

func registerFlag(fs *flag.FlagSet, f fieldInfo, values map[string]any) {
	switch f.fieldType.Kind() {
	case reflect.String:
		ptr := new(string)
		fs.StringVar(ptr, f.name, "", f.help)
		values[f.name] = ptr
	case reflect.Int:
		ptr := new(int)
		fs.IntVar(ptr, f.name, 0, f.help)
		values[f.name] = ptr
	case reflect.Int64:
		if f.fieldType == reflect.TypeOf(time.Duration(0)) {
			ptr := new(time.Duration)
			fs.DurationVar(ptr, f.name, 0, f.help)
			values[f.name] = ptr
		} else {
			ptr := new(int64)
			fs.Int64Var(ptr, f.name, 0, f.help)
			values[f.name] = ptr
		}
	case reflect.Uint64:
		ptr := new(uint64)
		fs.Uint64Var(ptr, f.name, 0, f.help)
		values[f.name] = ptr
	case reflect.Bool:
		ptr := new(bool)
		fs.BoolVar(ptr, f.name, false, f.help)
		values[f.name] = ptr
	case reflect.Slice:
		if f.fieldType.Elem().Kind() == reflect.String {
			ptr := new(string)
			help := f.help
			if !strings.Contains(strings.ToLower(help), "comma") {
				help += " (comma-separated)"
			}
			fs.StringVar(ptr, f.name, "", help)
			values[f.name] = ptr
		}
	}
}

func loadINI(path string, fields []fieldInfo, strict bool) error {
	byKey := make(map[string]*fieldInfo)
	for i := range fields {
		f := &fields[i]
		byKey[f.name] = f
		for _, alias := range f.aliases {
			byKey[alias] = f
		}
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for lineNum, raw := range strings.Split(string(file), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid format at line %d: %s", lineNum+1, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		f, ok := byKey[key]
		if !ok {
			if strict {
				return fmt.Errorf("unknown configuration key at line %d: %s", lineNum+1, key)
			}
			continue
		}

		if err := setFieldValue(f.field, f.fieldType, value); err != nil {
			return fmt.Errorf("error parsing '%s' at line %d: %w", key, lineNum+1, err)
		}
	}

	return nil
}

func setFieldValue(fv reflect.Value, ft reflect.Type, value string) error {
	switch ft.Kind() {
	case reflect.String:
		fv.SetString(value)
	case reflect.Int:
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		fv.SetInt(int64(v))
	case reflect.Int64:
		if ft == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			fv.Set(reflect.ValueOf(d))
		} else {
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			fv.SetInt(v)
		}
	case reflect.Uint64:
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		fv.SetUint(v)
	case reflect.Bool:
		fv.SetBool(ParseBool(value))
	case reflect.Slice:
		if ft.Elem().Kind() == reflect.String {
			var slice []string
			for _, item := range strings.Split(value, ",") {
				trimmed := strings.TrimSpace(item)
				if trimmed != "" {
					slice = append(slice, trimmed)
				}
			}
			fv.Set(reflect.ValueOf(slice))
		}
	default:
		return fmt.Errorf("unsupported type: %v", ft.Kind())
	}
	return nil
}

func applyFlags(fields []fieldInfo, values map[string]any, fs *flag.FlagSet) {
	visited := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) {
		visited[fl.Name] = true
	})

	for _, f := range fields {
		ptr, ok := values[f.name]
		if !ok || !visited[f.name] {
			continue
		}

		switch v := ptr.(type) {
		case *string:
			if *v == "" {
				continue
			}
			if f.fieldType.Kind() == reflect.Slice {
				setFieldValue(f.field, f.fieldType, *v)
			} else {
				f.field.SetString(*v)
			}
		case *int:
			f.field.SetInt(int64(*v))
		case *int64:
			f.field.SetInt(*v)
		case *uint64:
			f.field.SetUint(*v)
		case *bool:
			f.field.SetBool(*v)
		case *time.Duration:
			f.field.Set(reflect.ValueOf(*v))
		}
	}
}

func toKebabCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				result.WriteByte('-')
			}
			result.WriteRune(r + 32)
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func ParseBool(value string) bool {
	value = strings.ToLower(value)
	return value == "true" || value == "yes" || value == "1" || value == "on"
}
