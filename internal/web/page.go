package web

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/a-h/templ"

	"github.com/catalogcast/catalog-server/internal/catalog"
)

// CatalogPageData is the view model for the catalog page. SocketPath is a
// path on the page's host, ":port/path" for a separate listener, or a full
// ws:// URL.
type CatalogPageData struct {
	Products   []*catalog.Product
	SocketPath string
	Error      string
}

// CatalogPage renders the full document.
func CatalogPage(data CatalogPageData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`+
			`<meta name="viewport" content="width=device-width, initial-scale=1">`+
			`<title>Catalog</title><style>`+pageStyle+`</style></head><body>`+
			`<header><h1>Catalog</h1><span id="feed-status" class="status">connecting</span></header><main>`); err != nil {
			return err
		}
		if data.Error != "" {
			if _, err := fmt.Fprintf(w, `<p class="error">%s</p>`, templ.EscapeString(data.Error)); err != nil {
				return err
			}
		}
		if err := ProductTable(data.Products).Render(ctx, w); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, `</main><script data-socket="%s">%s</script></body></html>`,
			templ.EscapeString(data.SocketPath), pageScript)
		return err
	})
}

// ProductTable renders the product rows, or an empty-state row.
func ProductTable(products []*catalog.Product) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<table><thead><tr><th></th><th>Name</th><th>Price</th><th>Stock</th><th>Updated</th></tr></thead><tbody id="products">`); err != nil {
			return err
		}
		if len(products) == 0 {
			if _, err := io.WriteString(w, `<tr class="empty"><td colspan="5">No products yet</td></tr>`); err != nil {
				return err
			}
		}
		for _, p := range products {
			if err := ProductRow(p).Render(ctx, w); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</tbody></table>`)
		return err
	})
}

// ProductRow renders one product.
func ProductRow(p *catalog.Product) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		stockClass := "stock"
		if p.Stock == 0 {
			stockClass = "stock out"
		}
		_, err := fmt.Fprintf(w,
			`<tr id="product-%s"><td><img src="%s" alt="" loading="lazy"></td><td>%s</td><td>%s</td><td class="%s">%s</td><td>%s</td></tr>`,
			templ.EscapeString(p.ID),
			templ.EscapeString(p.Image),
			templ.EscapeString(p.Name),
			formatPrice(p.Price),
			stockClass,
			strconv.FormatInt(p.Stock, 10),
			formatRelativeTime(p.UpdatedAt),
		)
		return err
	})
}

const pageStyle = `body{font-family:system-ui,sans-serif;margin:0;background:#fafafa;color:#222}` +
	`header{display:flex;align-items:center;gap:1rem;padding:1rem 2rem;background:#fff;border-bottom:1px solid #ddd}` +
	`main{padding:1rem 2rem}table{width:100%;border-collapse:collapse;background:#fff}` +
	`th,td{padding:.5rem;border-bottom:1px solid #eee;text-align:left}img{width:48px;height:48px;object-fit:cover}` +
	`.status{font-size:.8rem;padding:.2rem .5rem;border-radius:4px;background:#eee}.status.live{background:#d4f7d4}` +
	`.stock.out{color:#b00}.error{color:#b00}.flash{animation:flash 1s}@keyframes flash{from{background:#fff7c0}}`

// pageScript keeps the table in sync with productChange frames and
// reconnects with a capped backoff.
const pageScript = `(function(){
var tbody=document.getElementById("products"),status=document.getElementById("feed-status");
var path=document.currentScript.dataset.socket,delay=500;
function esc(s){var d=document.createElement("div");d.textContent=s==null?"":String(s);return d.innerHTML}
function row(p){var tr=document.createElement("tr");tr.id="product-"+p.id;tr.className="flash";
tr.innerHTML='<td><img src="'+esc(p.image)+'" alt="" loading="lazy"></td><td>'+esc(p.name)+'</td><td>'+Number(p.price).toFixed(2)+
'</td><td class="stock'+(p.stock===0?' out':'')+'">'+esc(p.stock)+'</td><td>just now</td>';return tr}
function apply(ev){var cur=document.getElementById("product-"+ev.entityId),empty=tbody.querySelector(".empty");
if(ev.kind==="deleted"){if(cur)cur.remove();return}
if(!ev.payload)return;var tr=row(ev.payload);
if(cur){cur.replaceWith(tr)}else{if(empty)empty.remove();tbody.appendChild(tr)}}
function connect(){var proto=location.protocol==="https:"?"wss://":"ws://";
var url=/^wss?:/.test(path)?path:proto+(path.charAt(0)===":"?location.hostname:location.host)+path;
var ws=new WebSocket(url);
ws.onopen=function(){delay=500;status.textContent="live";status.className="status live"};
ws.onmessage=function(m){try{var f=JSON.parse(m.data);if(f.type==="productChange")apply(f.event)}catch(e){}};
ws.onclose=function(){status.textContent="reconnecting";status.className="status";
setTimeout(connect,delay);delay=Math.min(delay*2,10000)}}
connect()})();`
