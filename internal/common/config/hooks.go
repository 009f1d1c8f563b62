package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/labels"
)

// CustomHooks replaces viper's default decode hooks, so the defaults are repeated here.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		LabelSelectorDecodeHook(),
	)),
}

var selectorType = reflect.TypeOf((*labels.Selector)(nil)).Elem()

// LabelSelectorDecodeHook parses strings such as "app=foo,tier!=db" into a labels.Selector.
func LabelSelectorDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != selectorType {
			return data, nil
		}
		return labels.Parse(data.(string))
	}
}
