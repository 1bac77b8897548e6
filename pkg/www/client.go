package www

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// FetchJSON performs the request, and decodes a JSON response into output.
// A non-200 response is returned as an error, which includes the response body.
func FetchJSON(req *http.Request, output any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		respB, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP error %v (%v)", resp.Status, string(respB))
	}
	return json.NewDecoder(resp.Body).Decode(output)
}
