package http

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/validation"
	"github.com/kjstillabower/weather-lookup-service/internal/widget"
)

type pageData struct {
	widget.State
	Invalid          string
	BrowserLocation  bool
	CityMinLength    int
	CountryMaxLength int
	FetchFailed      string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Weather</title>
</head>
<body>
<main>
<form id="lookup" method="post" action="/">
  <input type="text" name="city" placeholder="City" value="{{.City}}" minlength="{{.CityMinLength}}" required>
  <input type="text" name="country" placeholder="Country" value="{{.Country}}" maxlength="{{.CountryMaxLength}}" required>
  <button type="submit"{{if not .CanSubmit}} disabled{{end}}>Get weather</button>
</form>
<p id="invalid">{{.Invalid}}</p>
<p id="notice">{{.Notice}}</p>
<section id="result" data-status="{{.Status}}" data-source="{{.Source}}">
{{- if .Reading}}{{with .Reading}}
  <h2>{{.Name}}, {{.Sys.Country}}</h2>
  <p>{{.Label}}</p>
  <ul>
    <li>Temperature: {{.Main.Temp}} &deg;C</li>
    <li>Feels like: {{.Main.FeelsLike}} &deg;C</li>
    <li>Humidity: {{.Main.Humidity}}%</li>
    <li>Wind speed: {{.Wind.Speed}} m/s</li>
  </ul>
{{- end}}{{else if .Error}}
  <p class="error">{{.Error}}</p>
{{- end}}
</section>
</main>
<script>
(function () {
  var form = document.getElementById("lookup");
  var button = form.querySelector("button");
  var result = document.getElementById("result");
  var notice = document.getElementById("notice");
  var invalid = document.getElementById("invalid");
  var fetchFailed = {{.FetchFailed}};

  function sync() {
    button.disabled = !(form.city.value && form.country.value);
  }
  form.city.addEventListener("input", sync);
  form.country.addEventListener("input", sync);

  function el(tag, text) {
    var e = document.createElement(tag);
    e.textContent = text;
    return e;
  }

  function render(st) {
    result.dataset.status = st.status;
    result.dataset.source = st.source || "";
    notice.textContent = st.notice || "";
    invalid.textContent = "";
    result.replaceChildren();
    if (st.reading) {
      var r = st.reading;
      result.appendChild(el("h2", r.name + ", " + r.sys.country));
      result.appendChild(el("p", r.weather && r.weather.length ? r.weather[0].main : ""));
      var ul = document.createElement("ul");
      ul.appendChild(el("li", "Temperature: " + r.main.temp + " \u00b0C"));
      ul.appendChild(el("li", "Feels like: " + r.main.feels_like + " \u00b0C"));
      ul.appendChild(el("li", "Humidity: " + r.main.humidity + "%"));
      ul.appendChild(el("li", "Wind speed: " + r.wind.speed + " m/s"));
      result.appendChild(ul);
    } else if (st.error) {
      var p = el("p", st.error);
      p.className = "error";
      result.appendChild(p);
    }
  }

  // call fetches one of the JSON endpoints and renders the session state in
  // place. The page never navigates itself, so pagehide only fires when the
  // user leaves or reloads the tab.
  function call(url) {
    return fetch(url, {credentials: "same-origin"}).then(function (resp) {
      return resp.json().then(function (body) {
        if (resp.ok) {
          render(body);
        } else if (resp.status === 400) {
          invalid.textContent = body.error ? body.error.message : "";
        } else {
          render({status: "failed", error: body.error ? body.error.message : fetchFailed});
        }
      });
    }).catch(function () {
      render({status: "failed", error: fetchFailed});
    });
  }

  form.addEventListener("submit", function (e) {
    e.preventDefault();
    result.dataset.status = "loading";
    call("/api/weather?" + new URLSearchParams({city: form.city.value, country: form.country.value}));
  });

  window.addEventListener("pagehide", function (e) {
    if (!e.persisted) {
      navigator.sendBeacon("/session/unload");
    }
  });
  {{if .BrowserLocation}}
  if (!navigator.geolocation) {
    call("/api/location?geo=unsupported");
  } else {
    navigator.geolocation.getCurrentPosition(function (pos) {
      call("/api/location?" + new URLSearchParams({lat: pos.coords.latitude, lon: pos.coords.longitude}));
    }, function () {
      call("/api/location?geo=denied");
    });
  }
  {{end}}
})();
</script>
</body>
</html>
`))

func (h *Handler) renderPage(w http.ResponseWriter, r *http.Request, status int, st widget.State, invalid string) {
	data := pageData{
		State:            st,
		Invalid:          invalid,
		BrowserLocation:  h.locator == nil && st.Status == widget.StatusIdle.String() && st.Notice == "",
		CityMinLength:    validation.CityMinLength,
		CountryMaxLength: validation.CountryMaxLength,
		FetchFailed:      widget.MsgFetchFailed,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		observability.LoggerFromContext(r.Context()).Error("render page", zap.Error(err))
	}
}
