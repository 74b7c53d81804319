// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/pkg/errors"
)

// ParseContextSettings parses settings of the form "param1=value1;param2=value2;..." into the
// hyperparameters of ctx, and returns the paths of the parameters set.
//
// Every parameter must already have a default value in the root scope of ctx: the type of the default
// value is the type the string is parsed to. A scoped path ("/model/stage_2/momentum=0.5") sets the
// parameter only in that scope.
//
// A setting "file:<path>" reads settings from a file, one or more per line; lines starting with "#" are
// ignored.
//
// Errors are of kind errkind.Config.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if settingsPath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		filePath, err := fsutil.ReplaceTildeInDir(settingsPath)
		if err != nil {
			return nil, errkind.Wrapf(errkind.Config, err, "invalid settings file path %q", settingsPath)
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return nil, errkind.Wrapf(errkind.Config, err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(lineSetting), paramsSet)
				if err != nil {
					return nil, err
				}
			}
		}
		return paramsSet, nil
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return nil, errkind.Errorf(errkind.Config, "can't parse setting %q: expected the format \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return nil, errkind.Errorf(errkind.Config, "can't set parameter %q: scoped parameters must start with %q",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return nil, errkind.Errorf(errkind.Config, "unknown parameter %q in setting %q", paramName, setting)
	}
	value, err := parseValueAs(defaultValue, valueStr)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Config, err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

// parseValueAs parses valueStr into the type of defaultValue. "_" can be used as digit separator in integers.
func parseValueAs(defaultValue any, valueStr string) (any, error) {
	parseInt := func(s string) (int, error) {
		return strconv.Atoi(strings.ReplaceAll(s, "_", ""))
	}
	parseFloat := func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	}
	switch defaultValue.(type) {
	case int:
		return parseInt(valueStr)
	case float64:
		return parseFloat(valueStr)
	case float32:
		v, err := strconv.ParseFloat(valueStr, 32)
		return float32(v), err
	case bool:
		return strconv.ParseBool(valueStr)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList(valueStr, parseInt)
	case []float64:
		return parseList(valueStr, parseFloat)
	default:
		return nil, errors.Errorf("parameters of type %T can't be set from the command line", defaultValue)
	}
}

func parseList[T any](valueStr string, parseFn func(string) (T, error)) ([]T, error) {
	if valueStr == "" {
		return []T{}, nil
	}
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		v, err := parseFn(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// CreateContextSettingsFlag creates a string flag named flagName ("set" if empty) whose usage lists the
// hyperparameters defined in the root scope of ctx. Call it before flag.Parse and pass the result to
// ParseContextSettings.
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set model hyperparameters, as a list of "param=value" separated by ";". ` +
			`Use "file:<path>" to read the settings from a file. Available parameters:`,
	}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	return flag.String(flagName, "", strings.Join(parts, "\n"))
}

// ModifiedContextSettings returns the current values of the parameters in paramsSet (as returned by
// ParseContextSettings), keyed by their path.
func ModifiedContextSettings(ctx *context.Context, paramsSet []string) map[string]string {
	settings := make(map[string]string, len(paramsSet))
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	for _, paramPath := range slices.Compact(paramsSet) {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		if value, found := ctx.InAbsPath(paramScope).GetParam(paramName); found {
			settings[paramPath] = fmt.Sprint(value)
		}
	}
	return settings
}
