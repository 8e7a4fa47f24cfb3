package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ZanzyTHEbar/breezeflow/internal/adapters"
	"goa.design/clue/log"
)

// DefaultCWABaseURL is the Central Weather Administration open data endpoint.
const DefaultCWABaseURL = "https://opendata.cwa.gov.tw/api/v1/rest/datastore"

// cwaForecastDataset is the 36 hour national forecast.
const cwaForecastDataset = "F-C0032-001"

type cwaResponse struct {
	Records struct {
		Location []struct {
			LocationName   string `json:"locationName"`
			WeatherElement []struct {
				ElementName string `json:"elementName"`
				Time        []struct {
					StartTime string `json:"startTime"`
					EndTime   string `json:"endTime"`
					Parameter struct {
						ParameterName string `json:"parameterName"`
					} `json:"parameter"`
				} `json:"time"`
			} `json:"weatherElement"`
		} `json:"location"`
	} `json:"records"`
}

// Forecast is the simplified forecast for one location.
type Forecast struct {
	LocationName        string `json:"locationName"`
	WeatherPhenomenon   string `json:"weather_phenomenon,omitempty"`
	MinTemperature      string `json:"min_temperature,omitempty"`
	MaxTemperature      string `json:"max_temperature,omitempty"`
	RainProbability     string `json:"rain_probability,omitempty"`
	ForecastPeriodStart string `json:"start_time,omitempty"`
	ForecastPeriodEnd   string `json:"end_time,omitempty"`
}

type weatherClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newWeatherTool(wc *weatherClient) *adapters.FuncTool {
	return adapters.NewFuncTool("get_weather", wc.forecast,
		adapters.WithDescription("Gets the 36 hour weather forecast from Taiwan's Central Weather Administration. Optionally filter by city or county name, e.g. 臺北市."),
		adapters.WithCategory("Weather"),
		adapters.WithProperty("location_name", "string", "City or county name in Traditional Chinese (臺北市, 高雄市, ...). Omit for all locations.", false),
	)
}

func (wc *weatherClient) forecast(ctx context.Context, input map[string]any) (any, error) {
	if wc.apiKey == "" {
		return nil, errors.New("missing environment variable CWA_API_KEY")
	}
	location, _ := input["location_name"].(string)
	location = normalizeLocation(location)

	endpoint := fmt.Sprintf("%s/%s", strings.TrimRight(wc.baseURL, "/"), cwaForecastDataset)
	query := url.Values{}
	query.Set("Authorization", wc.apiKey)
	query.Set("format", "JSON")
	if location != "" {
		query.Set("locationName", location)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := wc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve CWA forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to retrieve CWA forecast: HTTP %d", resp.StatusCode)
	}

	var body cwaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("CWA forecast data not available or unexpected response format: %w", err)
	}

	var forecasts []Forecast
	for _, loc := range body.Records.Location {
		if location != "" && loc.LocationName != location {
			continue
		}
		f := Forecast{LocationName: loc.LocationName}
		for _, el := range loc.WeatherElement {
			if len(el.Time) == 0 {
				continue
			}
			first := el.Time[0]
			value := first.Parameter.ParameterName
			switch el.ElementName {
			case "Wx":
				f.WeatherPhenomenon = value
				f.ForecastPeriodStart = first.StartTime
				f.ForecastPeriodEnd = first.EndTime
			case "MinT":
				f.MinTemperature = value
			case "MaxT":
				f.MaxTemperature = value
			case "PoP":
				f.RainProbability = value
			}
		}
		forecasts = append(forecasts, f)
	}

	log.Debug(ctx,
		log.KV{K: "msg", V: "weather forecast retrieved"},
		log.KV{K: "location", V: location},
		log.KV{K: "locations", V: len(forecasts)})

	if location != "" {
		if len(forecasts) == 0 {
			return nil, fmt.Errorf("could not find weather forecast for location '%s'", location)
		}
		return forecasts[0], nil
	}
	return forecasts, nil
}

// normalizeLocation maps common spellings to the names CWA uses.
func normalizeLocation(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "台", "臺")
	return name
}
